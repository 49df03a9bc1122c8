package model

import (
	"time"

	"github.com/google/uuid"
)

type ExchangeStatus string

const (
	ExchangeOK     ExchangeStatus = "ok"
	ExchangeEmpty  ExchangeStatus = "empty"
	ExchangeFailed ExchangeStatus = "failed"
)

// ExchangeRecord is the journal entry written for every conversation with the controller.
type ExchangeRecord struct {
	ID            string         `json:"id"`
	Mode          string         `json:"mode"`
	Address       string         `json:"address"`
	StartedAt     time.Time      `json:"started_at"`
	Duration      time.Duration  `json:"duration"`
	BytesSent     int            `json:"bytes_sent"`
	BytesReceived int            `json:"bytes_received"`
	Readings      int            `json:"readings"`
	Status        ExchangeStatus `json:"status"`
	Error         string         `json:"error,omitempty"`
}

func NewExchangeRecord(mode, address string) *ExchangeRecord {
	return &ExchangeRecord{
		ID:        uuid.New().String(),
		Mode:      mode,
		Address:   address,
		StartedAt: time.Now().UTC(),
	}
}

func (r *ExchangeRecord) Finish(err error) {
	r.Duration = time.Since(r.StartedAt)
	switch {
	case err != nil:
		r.Status = ExchangeFailed
		r.Error = err.Error()
	case r.BytesReceived == 0:
		r.Status = ExchangeEmpty
	default:
		r.Status = ExchangeOK
	}
}
