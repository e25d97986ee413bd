package wildberries

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"slot-watcher/internal/logging"
	"slot-watcher/internal/slots"
)

const coefficientsPath = "/api/v1/acceptance/coefficients"

// CoefficientQuerier retrieves acceptance coefficients for a warehouse set.
type CoefficientQuerier interface {
	AcceptanceCoefficients(ctx context.Context, apiToken string, warehouseIDs []int64) ([]slots.Coefficient, error)
}

// ClientOptions parameterise the Supplies API client.
type ClientOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client queries the Supplies API.
type Client struct {
	opts    ClientOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs a Supplies API client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://supplies-api.wildberries.ru"
	}

	return &Client{
		opts:    opts,
		logger:  logging.Component(logger, "wb_client"),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// AcceptanceCoefficients fetches coefficients restricted to warehouseIDs.
// An empty warehouse set queries all warehouses.
func (c *Client) AcceptanceCoefficients(ctx context.Context, apiToken string, warehouseIDs []int64) ([]slots.Coefficient, error) {
	endpoint := c.baseURL + coefficientsPath
	if len(warehouseIDs) > 0 {
		ids := make([]string, len(warehouseIDs))
		for i, id := range warehouseIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		endpoint += "?" + url.Values{"warehouseIDs": {strings.Join(ids, ",")}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", apiToken)
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "slotwatcher/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, payload)
	}

	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil, nil
	}

	var entries []coefficientPayload
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decode coefficients: %w", err)
	}

	coefficients := make([]slots.Coefficient, 0, len(entries))
	for _, entry := range entries {
		coeff, err := entry.toCoefficient()
		if err != nil {
			c.logger.Warn().Err(err).Int64("warehouse_id", entry.WarehouseID).Msg("skipping malformed coefficient entry")
			continue
		}
		coefficients = append(coefficients, coeff)
	}

	c.logger.Debug().Int("count", len(coefficients)).Msg("fetched acceptance coefficients")
	return coefficients, nil
}

func classifyStatus(resp *http.Response, payload []byte) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(payload))}
	case http.StatusTooManyRequests:
		retryAfter := 60 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	default:
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
}

type coefficientPayload struct {
	Date          string          `json:"date"`
	Coefficient   decimal.Decimal `json:"coefficient"`
	WarehouseID   int64           `json:"warehouseID"`
	WarehouseName string          `json:"warehouseName"`
	BoxTypeName   string          `json:"boxTypeName"`
	BoxTypeID     *int64          `json:"boxTypeID"`
	AllowUnload   bool            `json:"allowUnload"`
}

func (p coefficientPayload) toCoefficient() (slots.Coefficient, error) {
	day, err := parseSlotDate(p.Date)
	if err != nil {
		return slots.Coefficient{}, err
	}
	return slots.Coefficient{
		WarehouseID:   p.WarehouseID,
		WarehouseName: p.WarehouseName,
		Date:          day,
		Coefficient:   p.Coefficient,
		BoxTypeID:     p.BoxTypeID,
		BoxTypeName:   p.BoxTypeName,
		AllowUnload:   p.AllowUnload,
	}, nil
}

// parseSlotDate accepts both the ISO timestamp and the bare-date forms the
// upstream is known to emit, normalised to UTC midnight.
func parseSlotDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty slot date")
	}
	if strings.Contains(raw, "T") {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse slot date %q: %w", raw, err)
		}
		return t.UTC().Truncate(24 * time.Hour), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse slot date %q: %w", raw, err)
	}
	return t.UTC(), nil
}

var _ CoefficientQuerier = (*Client)(nil)
