package wildberries

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"slot-watcher/internal/booking"
	"slot-watcher/internal/logging"
	"slot-watcher/internal/session"
)

// BookerOptions parameterise the Marketplace booking adapter.
type BookerOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// SupplyBooker books acceptance slots through the Marketplace supplies
// endpoint using the seller's stored cabinet session.
type SupplyBooker struct {
	opts    BookerOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewSupplyBooker constructs the Marketplace booking adapter.
func NewSupplyBooker(opts BookerOptions, logger zerolog.Logger) *SupplyBooker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://marketplace-api.wildberries.ru"
	}

	return &SupplyBooker{
		opts:    opts,
		logger:  logging.Component(logger, "wb_booker"),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type bookRequest struct {
	Date        string `json:"date"`
	WarehouseID int64  `json:"warehouseId"`
}

type bookResponse struct {
	BookingID string `json:"bookingId"`
}

// Book submits one booking attempt for the supply order. Failures are
// returned as *booking.Failure so the caller's retry loop can classify
// them; only malformed inputs surface as plain errors.
func (b *SupplyBooker) Book(ctx context.Context, sess *session.Session, orderRef string, day time.Time, warehouseID int64) (string, error) {
	if sess == nil || len(sess.Data) == 0 {
		return "", &booking.Failure{Kind: booking.FailureAuth, Reason: "no session data"}
	}
	if orderRef == "" {
		return "", fmt.Errorf("empty order reference")
	}

	endpoint := fmt.Sprintf("%s/api/v3/supplies/%s/book", b.baseURL, url.PathEscape(orderRef))

	body, err := json.Marshal(bookRequest{
		Date:        day.UTC().Format("2006-01-02"),
		WarehouseID: warehouseID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal book request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cookie", string(sess.Data))
	if ua := strings.TrimSpace(b.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "slotwatcher/1.0")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &booking.Failure{Kind: booking.FailureRetryable, Reason: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &booking.Failure{Kind: booking.FailureRetryable, Reason: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyBookingStatus(resp.StatusCode, payload)
	}

	var decoded bookResponse
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			b.logger.Warn().Err(err).Str("order_ref", orderRef).Msg("booking succeeded but response body undecodable")
		}
	}
	if decoded.BookingID == "" {
		decoded.BookingID = orderRef
	}

	b.logger.Info().Str("order_ref", orderRef).Int64("warehouse_id", warehouseID).
		Str("date", day.UTC().Format("2006-01-02")).Msg("slot booked")
	return decoded.BookingID, nil
}

// classifyBookingStatus maps non-2xx responses onto the booking failure
// taxonomy. 5xx and 429 are worth retrying; conflict and validation
// responses mean the slot is gone or the request can never succeed.
func classifyBookingStatus(status int, payload []byte) *booking.Failure {
	reason := strings.TrimSpace(string(payload))
	if reason == "" {
		reason = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &booking.Failure{Kind: booking.FailureAuth, Status: status, Reason: reason}
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return &booking.Failure{Kind: booking.FailureTerminal, Status: status, Reason: reason}
	case status == http.StatusTooManyRequests || status >= 500:
		return &booking.Failure{Kind: booking.FailureRetryable, Status: status, Reason: reason}
	default:
		return &booking.Failure{Kind: booking.FailureTerminal, Status: status, Reason: reason}
	}
}

var _ booking.Booker = (*SupplyBooker)(nil)
