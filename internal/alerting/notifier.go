package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"slot-watcher/internal/logging"
)

// Kind 表示通知事件类型。
type Kind string

const (
	KindSlotFound    Kind = "found"
	KindRetrying     Kind = "retrying"
	KindBooked       Kind = "booked"
	KindFailed       Kind = "failed"
	KindAuthRequired Kind = "auth_required"
)

// Event 封装一次监控结果通知的上下文。
type Event struct {
	MonitoringID  int64
	ChatID        int64
	Kind          Kind
	EpisodeID     string
	WarehouseID   int64
	WarehouseName string
	Date          time.Time
	Coefficient   decimal.Decimal
	OrderRef      string
	Attempt       int
	MaxAttempts   int
	Message       string
}

// Notifier 定义通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// TelegramNotifier 通过 Telegram Bot API 向卖家推送消息。
type TelegramNotifier struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	if event.ChatID == 0 {
		return fmt.Errorf("event for monitoring %d has no chat id", event.MonitoringID)
	}

	payload := map[string]string{
		"chat_id": strconv.FormatInt(event.ChatID, 10),
		"text":    renderMessage(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Int64("monitoring_id", event.MonitoringID).
		Str("kind", string(event.Kind)).
		Msg("通知已发送 (Telegram)")
	return nil
}

func renderMessage(event Event) string {
	builder := strings.Builder{}

	switch event.Kind {
	case KindSlotFound:
		builder.WriteString("Suitable slot found, booking automatically\n")
	case KindRetrying:
		builder.WriteString("Retrying booking\n")
	case KindBooked:
		builder.WriteString("Slot booked\n")
	case KindFailed:
		builder.WriteString("Booking failed\n")
	case KindAuthRequired:
		builder.WriteString("Authorization required\n")
	default:
		builder.WriteString("Monitoring update\n")
	}

	builder.WriteString(fmt.Sprintf("Monitoring #%d\n", event.MonitoringID))
	if event.WarehouseID != 0 {
		name := event.WarehouseName
		if name == "" {
			name = fmt.Sprintf("Warehouse %d", event.WarehouseID)
		}
		builder.WriteString(fmt.Sprintf("Warehouse: %s (ID %d)\n", name, event.WarehouseID))
	}
	if !event.Date.IsZero() {
		builder.WriteString(fmt.Sprintf("Date: %s\n", event.Date.Format("02.01.2006")))
	}
	if event.Kind == KindSlotFound || event.Kind == KindBooked {
		builder.WriteString(fmt.Sprintf("Coefficient: %s\n", event.Coefficient.String()))
	}
	if event.OrderRef != "" {
		builder.WriteString(fmt.Sprintf("Order: %s\n", event.OrderRef))
	}
	if event.Attempt > 0 && event.MaxAttempts > 0 {
		builder.WriteString(fmt.Sprintf("Attempt: %d/%d\n", event.Attempt, event.MaxAttempts))
	}
	if event.Message != "" {
		builder.WriteString(sanitize(event.Message))
		builder.WriteString("\n")
	}
	return builder.String()
}

// sanitize 去除内部错误文本中的换行与多余空白。
func sanitize(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return strings.TrimSpace(cleaned)
}

var _ Notifier = (*TelegramNotifier)(nil)
