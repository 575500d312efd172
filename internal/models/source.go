package models

import (
	"encoding/json"
	"time"
)

type SourceStatus string

const (
	SourceStatusPending   SourceStatus = "pending"
	SourceStatusActive    SourceStatus = "active"
	SourceStatusImporting SourceStatus = "importing"
	SourceStatusImported  SourceStatus = "imported"
	SourceStatusError     SourceStatus = "error"
)

type IngestionSource struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Provider      string          `json:"provider"`
	Credentials   json.RawMessage `json:"-"`
	Status        SourceStatus    `json:"status"`
	StatusMessage string          `json:"lastSyncStatusMessage"`
	SyncState     json.RawMessage `json:"syncState"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}
