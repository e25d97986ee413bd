package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"slot-watcher/internal/storage"
)

type fakeSellerStore struct {
	seller  *storage.Seller
	getErr  error
	gets    int
	cleared []int64
}

func (f *fakeSellerStore) GetSeller(ctx context.Context, id int64) (*storage.Seller, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.seller, nil
}

func (f *fakeSellerStore) ClearSellerSession(ctx context.Context, id int64) error {
	f.cleared = append(f.cleared, id)
	return nil
}

func TestAcquireReturnsStoredSession(t *testing.T) {
	store := &fakeSellerStore{seller: &storage.Seller{ID: 3, SessionData: []byte("sid=abc")}}
	manager := NewManager(store, time.Minute, zerolog.Nop())

	sess, release, err := manager.Acquire(context.Background(), 3)
	if err != nil {
		t.Fatalf("应返回存储的会话: %v", err)
	}
	defer release()

	if sess.SellerID != 3 || string(sess.Data) != "sid=abc" {
		t.Fatalf("会话内容不正确: %+v", sess)
	}
}

func TestAcquireWithoutSessionData(t *testing.T) {
	store := &fakeSellerStore{seller: &storage.Seller{ID: 3}}
	manager := NewManager(store, time.Minute, zerolog.Nop())

	_, _, err := manager.Acquire(context.Background(), 3)
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("无会话数据应返回 ErrAuthRequired: %v", err)
	}
}

func TestAcquireIsExclusivePerSeller(t *testing.T) {
	store := &fakeSellerStore{seller: &storage.Seller{ID: 3, SessionData: []byte("sid=abc")}}
	manager := NewManager(store, time.Minute, zerolog.Nop())

	_, release, err := manager.Acquire(context.Background(), 3)
	if err != nil {
		t.Fatalf("首次获取不应报错: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		_, secondRelease, err := manager.Acquire(context.Background(), 3)
		if err != nil {
			t.Errorf("第二次获取不应报错: %v", err)
		} else {
			secondRelease()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("释放前第二个回合不应拿到会话")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("释放后第二个回合应拿到会话")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := &fakeSellerStore{seller: &storage.Seller{ID: 3, SessionData: []byte("sid=abc")}}
	manager := NewManager(store, time.Minute, zerolog.Nop())

	_, release, err := manager.Acquire(context.Background(), 3)
	if err != nil {
		t.Fatalf("获取不应报错: %v", err)
	}

	release()
	release() // second call must not panic

	_, release2, err := manager.Acquire(context.Background(), 3)
	if err != nil {
		t.Fatalf("重复释放后仍应可获取: %v", err)
	}
	release2()
}

func TestAcquireUsesValidityCache(t *testing.T) {
	store := &fakeSellerStore{seller: &storage.Seller{ID: 3, SessionData: []byte("sid=abc")}}
	manager := NewManager(store, time.Minute, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, release, err := manager.Acquire(context.Background(), 3)
		if err != nil {
			t.Fatalf("获取不应报错: %v", err)
		}
		release()
	}

	if store.gets != 1 {
		t.Fatalf("缓存期内不应重复读库, 实际 %d 次", store.gets)
	}
}

func TestInvalidateDropsCacheAndStoredBlob(t *testing.T) {
	store := &fakeSellerStore{seller: &storage.Seller{ID: 3, SessionData: []byte("sid=abc")}}
	manager := NewManager(store, time.Minute, zerolog.Nop())

	_, release, err := manager.Acquire(context.Background(), 3)
	if err != nil {
		t.Fatalf("获取不应报错: %v", err)
	}
	release()

	if err := manager.Invalidate(context.Background(), 3); err != nil {
		t.Fatalf("作废不应报错: %v", err)
	}
	if len(store.cleared) != 1 || store.cleared[0] != 3 {
		t.Fatalf("应清除存储的会话: %v", store.cleared)
	}

	// The next acquire must hit storage again.
	_, release, err = manager.Acquire(context.Background(), 3)
	if err != nil {
		t.Fatalf("作废后获取不应报错: %v", err)
	}
	release()
	if store.gets != 2 {
		t.Fatalf("作废后应重新读库, 实际 %d 次", store.gets)
	}
}
