package booking

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"slot-watcher/internal/alerting"
	"slot-watcher/internal/session"
	"slot-watcher/internal/slots"
	"slot-watcher/internal/storage"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeStore rejects writes on a cancelled context, like a pgx-backed store.
type fakeStore struct {
	statusCalls []storage.Status
	deleted     []int64
	failedDates []time.Time
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id int64, from, to storage.Status) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.statusCalls = append(f.statusCalls, to)
	return true, nil
}

func (f *fakeStore) DeleteMonitoring(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) AddFailedDate(ctx context.Context, id int64, day time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.failedDates = append(f.failedDates, day)
	return nil
}

type fakeSessions struct {
	missing     bool
	invalidated []int64
	releases    int
}

func (f *fakeSessions) Acquire(ctx context.Context, sellerID int64) (*session.Session, func(), error) {
	if f.missing {
		return nil, nil, session.ErrAuthRequired
	}
	return &session.Session{SellerID: sellerID, Data: []byte("cookie")}, func() { f.releases++ }, nil
}

func (f *fakeSessions) Invalidate(ctx context.Context, sellerID int64) error {
	f.invalidated = append(f.invalidated, sellerID)
	return nil
}

// scriptedBooker returns its errors in order, then succeeds.
type scriptedBooker struct {
	errs  []error
	calls int
}

func (b *scriptedBooker) Book(ctx context.Context, sess *session.Session, orderRef string, day time.Time, warehouseID int64) (string, error) {
	b.calls++
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "booking-1", nil
}

type recordingNotifier struct {
	kinds []alerting.Kind
}

func (n *recordingNotifier) Notify(ctx context.Context, event alerting.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.kinds = append(n.kinds, event.Kind)
	return nil
}

func episodeFixture() (*storage.Monitoring, slots.Candidate) {
	created := time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC)
	m := &storage.Monitoring{
		ID:        7,
		SellerID:  3,
		OrderRef:  "ORD-1",
		Status:    storage.StatusActive,
		CreatedAt: created,
	}
	candidate := slots.Candidate{
		WarehouseID: 100,
		Date:        created.AddDate(0, 0, 3),
		Coefficient: decimal.Zero,
	}
	return m, candidate
}

func newTestOrchestrator(store *fakeStore, sessions *fakeSessions, booker Booker, notifier alerting.Notifier, retired *[]int64) *Orchestrator {
	retire := func(id int64) { *retired = append(*retired, id) }
	return NewOrchestrator(store, sessions, booker, notifier, retire, 3, time.Millisecond, noopLogger())
}

func TestExecuteBooksFirstAttempt(t *testing.T) {
	store := &fakeStore{}
	sessions := &fakeSessions{}
	notifier := &recordingNotifier{}
	booker := &scriptedBooker{}
	var retired []int64

	orch := newTestOrchestrator(store, sessions, booker, notifier, &retired)
	m, candidate := episodeFixture()

	result, err := orch.Execute(context.Background(), m, 42, candidate)
	if err != nil {
		t.Fatalf("成功预约不应报错: %v", err)
	}
	if result.Outcome != OutcomeBooked {
		t.Fatalf("期望 OutcomeBooked, 实际 %v", result.Outcome)
	}
	if result.BookingID != "booking-1" {
		t.Fatalf("booking id 不正确: %q", result.BookingID)
	}
	if len(retired) != 1 || retired[0] != m.ID {
		t.Fatalf("成功后应先退役 worker: %v", retired)
	}
	if len(store.deleted) != 1 {
		t.Fatalf("成功后应删除监控: %v", store.deleted)
	}
	if sessions.releases != 1 {
		t.Fatalf("会话应被释放一次, 实际 %d", sessions.releases)
	}

	want := []alerting.Kind{alerting.KindSlotFound, alerting.KindBooked}
	if len(notifier.kinds) != len(want) {
		t.Fatalf("通知序列不正确: %v", notifier.kinds)
	}
	for i, kind := range want {
		if notifier.kinds[i] != kind {
			t.Fatalf("通知序列不正确: %v", notifier.kinds)
		}
	}
}

func TestExecuteExhaustsRetriesAndBlacklists(t *testing.T) {
	store := &fakeStore{}
	sessions := &fakeSessions{}
	notifier := &recordingNotifier{}
	booker := &scriptedBooker{errs: []error{
		&Failure{Kind: FailureRetryable, Status: 500, Reason: "upstream down"},
		&Failure{Kind: FailureRetryable, Status: 500, Reason: "upstream down"},
		&Failure{Kind: FailureRetryable, Status: 500, Reason: "upstream down"},
	}}
	var retired []int64

	orch := newTestOrchestrator(store, sessions, booker, notifier, &retired)
	m, candidate := episodeFixture()

	result, err := orch.Execute(context.Background(), m, 42, candidate)
	if err != nil {
		t.Fatalf("黑名单路径不应报错: %v", err)
	}
	if result.Outcome != OutcomeBlacklisted {
		t.Fatalf("期望 OutcomeBlacklisted, 实际 %v", result.Outcome)
	}
	if booker.calls != 3 {
		t.Fatalf("应尝试 3 次, 实际 %d", booker.calls)
	}
	if len(store.failedDates) != 1 || !store.failedDates[0].Equal(candidate.Date) {
		t.Fatalf("失败日期未记录: %v", store.failedDates)
	}
	if len(retired) != 0 {
		t.Fatalf("失败时不应退役 worker: %v", retired)
	}

	want := []alerting.Kind{alerting.KindSlotFound, alerting.KindRetrying, alerting.KindRetrying, alerting.KindFailed}
	if len(notifier.kinds) != len(want) {
		t.Fatalf("通知序列不正确: %v", notifier.kinds)
	}
	for i, kind := range want {
		if notifier.kinds[i] != kind {
			t.Fatalf("通知序列不正确: %v", notifier.kinds)
		}
	}
}

func TestExecuteTerminalFailureSkipsRetries(t *testing.T) {
	store := &fakeStore{}
	sessions := &fakeSessions{}
	notifier := &recordingNotifier{}
	booker := &scriptedBooker{errs: []error{
		&Failure{Kind: FailureTerminal, Status: 409, Reason: "slot already taken"},
	}}
	var retired []int64

	orch := newTestOrchestrator(store, sessions, booker, notifier, &retired)
	m, candidate := episodeFixture()

	result, err := orch.Execute(context.Background(), m, 42, candidate)
	if err != nil {
		t.Fatalf("终止性失败不应报错: %v", err)
	}
	if result.Outcome != OutcomeBlacklisted {
		t.Fatalf("期望 OutcomeBlacklisted, 实际 %v", result.Outcome)
	}
	if booker.calls != 1 {
		t.Fatalf("终止性失败后不应再尝试, 实际 %d 次", booker.calls)
	}
	if len(store.failedDates) != 1 {
		t.Fatalf("失败日期未记录: %v", store.failedDates)
	}
}

func TestExecuteAuthFailureInvalidatesSession(t *testing.T) {
	store := &fakeStore{}
	sessions := &fakeSessions{}
	notifier := &recordingNotifier{}
	booker := &scriptedBooker{errs: []error{
		&Failure{Kind: FailureAuth, Status: 401, Reason: "session expired"},
	}}
	var retired []int64

	orch := newTestOrchestrator(store, sessions, booker, notifier, &retired)
	m, candidate := episodeFixture()

	result, err := orch.Execute(context.Background(), m, 42, candidate)
	if err != nil {
		t.Fatalf("授权失败不应报错: %v", err)
	}
	if result.Outcome != OutcomeAuthRequired {
		t.Fatalf("期望 OutcomeAuthRequired, 实际 %v", result.Outcome)
	}
	if len(sessions.invalidated) != 1 || sessions.invalidated[0] != m.SellerID {
		t.Fatalf("会话应被作废: %v", sessions.invalidated)
	}
	if len(store.failedDates) != 0 {
		t.Fatalf("授权失败不应拉黑日期: %v", store.failedDates)
	}
}

func TestExecuteMissingSession(t *testing.T) {
	store := &fakeStore{}
	sessions := &fakeSessions{missing: true}
	notifier := &recordingNotifier{}
	booker := &scriptedBooker{}
	var retired []int64

	orch := newTestOrchestrator(store, sessions, booker, notifier, &retired)
	m, candidate := episodeFixture()

	result, err := orch.Execute(context.Background(), m, 42, candidate)
	if err != nil {
		t.Fatalf("缺失会话不应报错: %v", err)
	}
	if result.Outcome != OutcomeAuthRequired {
		t.Fatalf("期望 OutcomeAuthRequired, 实际 %v", result.Outcome)
	}
	if booker.calls != 0 {
		t.Fatal("没有会话不应尝试预约")
	}
}

func TestExecuteWithoutOrderRefSkips(t *testing.T) {
	store := &fakeStore{}
	sessions := &fakeSessions{}
	notifier := &recordingNotifier{}
	booker := &scriptedBooker{}
	var retired []int64

	orch := newTestOrchestrator(store, sessions, booker, notifier, &retired)
	m, candidate := episodeFixture()
	m.OrderRef = ""

	result, err := orch.Execute(context.Background(), m, 42, candidate)
	if err != nil {
		t.Fatalf("未绑定供货单不应报错: %v", err)
	}
	if result.Outcome != OutcomeSkipped {
		t.Fatalf("期望 OutcomeSkipped, 实际 %v", result.Outcome)
	}
	if booker.calls != 0 {
		t.Fatal("未绑定供货单不应尝试预约")
	}
	// Precondition failures never blacklist: the date stays bookable once
	// an order is attached later.
	if len(store.failedDates) != 0 {
		t.Fatalf("未绑定供货单不应拉黑日期: %v", store.failedDates)
	}
	if sessions.releases != 0 {
		t.Fatal("前置条件失败不应占用会话")
	}

	want := []alerting.Kind{alerting.KindSlotFound, alerting.KindFailed}
	if len(notifier.kinds) != len(want) || notifier.kinds[1] != want[1] {
		t.Fatalf("应通知缺少供货单: %v", notifier.kinds)
	}
}

// cancellingBooker cancels the worker's context from inside the attempt,
// mimicking a supervisor teardown racing an in-flight booking request.
type cancellingBooker struct {
	cancel  context.CancelFunc
	errs    []error
	calls   int
	ctxErrs []error
}

func (b *cancellingBooker) Book(ctx context.Context, sess *session.Session, orderRef string, day time.Time, warehouseID int64) (string, error) {
	b.calls++
	b.cancel()
	b.ctxErrs = append(b.ctxErrs, ctx.Err())
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "booking-1", nil
}

func TestExecuteBookedPersistsDespiteWorkerCancel(t *testing.T) {
	store := &fakeStore{}
	sessions := &fakeSessions{}
	notifier := &recordingNotifier{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	booker := &cancellingBooker{cancel: cancel}

	var retired []int64
	retire := func(id int64) {
		retired = append(retired, id)
		cancel()
	}
	orch := NewOrchestrator(store, sessions, booker, notifier, retire, 3, time.Millisecond, noopLogger())
	m, candidate := episodeFixture()

	result, err := orch.Execute(ctx, m, 42, candidate)
	if err != nil {
		t.Fatalf("取消竞争下的成功预约不应报错: %v", err)
	}
	if result.Outcome != OutcomeBooked {
		t.Fatalf("期望 OutcomeBooked, 实际 %v", result.Outcome)
	}
	if len(booker.ctxErrs) != 1 || booker.ctxErrs[0] != nil {
		t.Fatalf("预约请求不应随 worker 上下文一起取消: %v", booker.ctxErrs)
	}
	if len(store.statusCalls) != 1 || store.statusCalls[0] != storage.StatusStopped {
		t.Fatalf("预约成功后监控必须停用: %v", store.statusCalls)
	}
	if len(store.deleted) != 1 || store.deleted[0] != m.ID {
		t.Fatalf("预约成功后监控必须删除: %v", store.deleted)
	}
	if len(notifier.kinds) != 2 || notifier.kinds[1] != alerting.KindBooked {
		t.Fatalf("成功通知必须送达: %v", notifier.kinds)
	}
}

func TestExecuteObservesCancelBetweenAttempts(t *testing.T) {
	store := &fakeStore{}
	sessions := &fakeSessions{}
	notifier := &recordingNotifier{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	booker := &cancellingBooker{cancel: cancel, errs: []error{
		&Failure{Kind: FailureRetryable, Status: 500, Reason: "upstream down"},
	}}

	var retired []int64
	orch := newTestOrchestrator(store, sessions, booker, notifier, &retired)
	m, candidate := episodeFixture()

	result, err := orch.Execute(ctx, m, 42, candidate)
	if err == nil {
		t.Fatal("回合中断应返回取消错误")
	}
	if result.Outcome != OutcomeAborted {
		t.Fatalf("期望 OutcomeAborted, 实际 %v", result.Outcome)
	}
	// The first attempt ran to its own conclusion; only the gap before the
	// next one observed the cancellation.
	if booker.calls != 1 {
		t.Fatalf("取消只能在两次尝试之间生效, 实际尝试 %d 次", booker.calls)
	}
	if len(store.failedDates) != 0 {
		t.Fatalf("中断的回合不应拉黑日期: %v", store.failedDates)
	}
}
