package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"slot-watcher/internal/booking"
	"slot-watcher/internal/session"
	"slot-watcher/internal/slots"
	"slot-watcher/internal/storage"
)

// SimulateBooking 用桩预约器驱动一次完整的预约回合,
// 验证通知链路与重试策略,不触碰数据库与上游。
func (a *App) SimulateBooking(ctx context.Context, chatID, warehouseID int64, date time.Time, coefficient decimal.Decimal, fail bool) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	now := time.Now().UTC()
	monitoring := &storage.Monitoring{
		ID:             0,
		SellerID:       0,
		CoefficientMin: decimal.Zero,
		CoefficientMax: decimal.NewFromInt(20),
		WarehouseIDs:   []int64{warehouseID},
		OrderRef:       "SIMULATED",
		Status:         storage.StatusActive,
		CreatedAt:      now,
	}

	candidate := slots.Candidate{
		WarehouseID:   warehouseID,
		WarehouseName: "Simulated warehouse",
		Date:          date,
		Coefficient:   coefficient,
	}

	episodes := booking.NewOrchestrator(
		&memoryEpisodeStore{}, staticSessions{}, &stubBooker{fail: fail}, notifier, nil,
		a.Config.Booking.MaxAttempts, a.Config.Booking.RetryDelay, a.Logger,
	)

	result, err := episodes.Execute(ctx, monitoring, chatID, candidate)
	if err != nil {
		return err
	}

	a.Logger.Info().Str("episode_id", result.EpisodeID).
		Int("outcome", int(result.Outcome)).Msg("模拟预约回合结束")
	return nil
}

// stubBooker 按 fail 标志决定永远失败或立即成功。
type stubBooker struct {
	fail bool
}

func (b *stubBooker) Book(ctx context.Context, sess *session.Session, orderRef string, day time.Time, warehouseID int64) (string, error) {
	if b.fail {
		return "", &booking.Failure{Kind: booking.FailureRetryable, Status: 500, Reason: "simulated failure"}
	}
	return "simulated-booking", nil
}

type staticSessions struct{}

func (staticSessions) Acquire(ctx context.Context, sellerID int64) (*session.Session, func(), error) {
	return &session.Session{SellerID: sellerID, Data: []byte("simulated")}, func() {}, nil
}

func (staticSessions) Invalidate(ctx context.Context, sellerID int64) error {
	return nil
}

type memoryEpisodeStore struct{}

func (*memoryEpisodeStore) UpdateStatus(ctx context.Context, id int64, from, to storage.Status) (bool, error) {
	return true, nil
}

func (*memoryEpisodeStore) DeleteMonitoring(ctx context.Context, id int64) error {
	return nil
}

func (*memoryEpisodeStore) AddFailedDate(ctx context.Context, id int64, day time.Time) error {
	return nil
}

var _ booking.Booker = (*stubBooker)(nil)
var _ session.Provider = (staticSessions{})
