package store

import (
	"encoding/json"
	"strings"
	"time"
)

// Prediction is the per-request inference output persisted for querying and
// exporting.
type Prediction struct {
	ID                 uint   `gorm:"primaryKey"`
	RequestID          string `gorm:"size:64;uniqueIndex"`
	ModelName          string `gorm:"size:128;index"`
	Race               string `gorm:"size:64;index"`
	CounterfactualRace string `gorm:"size:64"`
	Gender             string `gorm:"size:16"`
	PredictedYears     float64
	Discrepancy        float64 `gorm:"index"`
	Severity           float64 `gorm:"index"`
	ProcessingTimeMs   int64
	PayloadJSON        string    `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
}

// SetPayload stores the raw request body for audit/export.
func (p *Prediction) SetPayload(payload []byte) {
	p.PayloadJSON = strings.TrimSpace(string(payload))
}

// Payload decodes the stored request body into a generic map.
func (p *Prediction) Payload() map[string]any {
	if strings.TrimSpace(p.PayloadJSON) == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(p.PayloadJSON), &out); err != nil {
		return nil
	}
	return out
}
