package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a monitoring.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// Monitoring is a seller's persisted watch configuration for acceptance
// slots. FailedDates holds dates rejected by a terminal booking failure;
// they stay blacklisted until the monitoring's constraints are edited.
type Monitoring struct {
	ID                    int64
	SellerID              int64
	CoefficientMin        decimal.Decimal
	CoefficientMax        decimal.Decimal
	WarehouseIDs          []int64
	BoxTypeID             *int64
	LogisticsShoulderDays int
	DateFrom              *time.Time
	DateTo                *time.Time
	OrderRef              string
	Status                Status
	FailedDates           []time.Time
	PollInterval          time.Duration
	LastCheckAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// EffectiveMinDate is the earliest slot date this monitoring accepts. An
// explicit DateFrom already includes the logistics shoulder (the setup flow
// adjusts it); otherwise the shoulder counts from creation.
func (m *Monitoring) EffectiveMinDate() time.Time {
	if m.DateFrom != nil {
		return m.DateFrom.UTC().Truncate(24 * time.Hour)
	}
	base := m.CreatedAt.UTC().Truncate(24 * time.Hour)
	return base.AddDate(0, 0, m.LogisticsShoulderDays)
}

// HasFailedDate reports whether day is blacklisted for this monitoring.
func (m *Monitoring) HasFailedDate(day time.Time) bool {
	day = day.UTC().Truncate(24 * time.Hour)
	for _, d := range m.FailedDates {
		if d.UTC().Truncate(24 * time.Hour).Equal(day) {
			return true
		}
	}
	return false
}

// MonitoringUpdate carries the editable constraint fields. Applying an
// update clears the failed-date blacklist.
type MonitoringUpdate struct {
	CoefficientMin        decimal.Decimal
	CoefficientMax        decimal.Decimal
	WarehouseIDs          []int64
	BoxTypeID             *int64
	LogisticsShoulderDays int
	DateFrom              *time.Time
	DateTo                *time.Time
	OrderRef              string
}

// Seller is the owner of monitorings: upstream credentials plus the chat
// used for notifications. SessionData is the opaque cabinet session blob
// handed to the booking adapter.
type Seller struct {
	ID          int64
	ChatID      int64
	Name        string
	APIToken    string
	SessionData []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasAPIToken reports whether the seller can issue coefficient queries.
func (s *Seller) HasAPIToken() bool {
	return s != nil && s.APIToken != ""
}

// HasSession reports whether the seller has a stored cabinet session.
func (s *Seller) HasSession() bool {
	return s != nil && len(s.SessionData) > 0
}

// CoefficientSample records the best observed coefficient for one
// (monitoring, warehouse) pair during one poll cycle.
type CoefficientSample struct {
	ID            int64
	MonitoringID  int64
	WarehouseID   int64
	WarehouseName string
	SlotDate      time.Time
	Coefficient   decimal.Decimal
	CheckedAt     time.Time
}
