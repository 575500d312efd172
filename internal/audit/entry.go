// Package audit implements the append-only, hash-chained audit ledger.
//
// Every entry stores the hash of its predecessor (nil for the first entry)
// and a SHA-256 over its own canonical form, so any edit, insertion or
// removal in the middle of the chain is detectable by Ledger.Verify.
package audit

import (
	"encoding/json"
	"time"
)

type ActionType string

const (
	ActionCreate   ActionType = "CREATE"
	ActionRead     ActionType = "READ"
	ActionUpdate   ActionType = "UPDATE"
	ActionDelete   ActionType = "DELETE"
	ActionLogin    ActionType = "LOGIN"
	ActionLogout   ActionType = "LOGOUT"
	ActionSetup    ActionType = "SETUP"
	ActionImport   ActionType = "IMPORT"
	ActionPause    ActionType = "PAUSE"
	ActionSync     ActionType = "SYNC"
	ActionUpload   ActionType = "UPLOAD"
	ActionSearch   ActionType = "SEARCH"
	ActionDownload ActionType = "DOWNLOAD"
	ActionGenerate ActionType = "GENERATE"
)

type TargetType string

const (
	TargetAPIKey          TargetType = "ApiKey"
	TargetArchivedEmail   TargetType = "ArchivedEmail"
	TargetDashboard       TargetType = "Dashboard"
	TargetIngestionSource TargetType = "IngestionSource"
	TargetRole            TargetType = "Role"
	TargetSystemSettings  TargetType = "SystemSettings"
	TargetUser            TargetType = "User"
	TargetFile            TargetType = "File"
)

// Entry is one persisted audit record. Nil pointers and nil Details are
// stored and hashed as null.
type Entry struct {
	ID              int64           `json:"id"`
	PreviousHash    *string         `json:"previousHash"`
	Timestamp       time.Time       `json:"timestamp"`
	ActorIdentifier string          `json:"actorIdentifier"`
	ActorIP         *string         `json:"actorIp"`
	ActionType      ActionType      `json:"actionType"`
	TargetType      *TargetType     `json:"targetType"`
	TargetID        *string         `json:"targetId"`
	Details         json.RawMessage `json:"details"`
	CurrentHash     string          `json:"currentHash"`
}

// NewEntry is what callers supply to Ledger.Append. Empty strings and a nil
// Details are recorded as null.
type NewEntry struct {
	ActorIdentifier string     `validate:"required"`
	ActorIP         string     `validate:"omitempty,max=255"`
	ActionType      ActionType `validate:"required,oneof=CREATE READ UPDATE DELETE LOGIN LOGOUT SETUP IMPORT PAUSE SYNC UPLOAD SEARCH DOWNLOAD GENERATE"`
	TargetType      TargetType `validate:"omitempty,oneof=ApiKey ArchivedEmail Dashboard IngestionSource Role SystemSettings User File"`
	TargetID        string
	Details         any
}

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

const (
	DefaultPage  = 1
	DefaultLimit = 20
)

// Query selects entries for display. Zero values mean "no filter".
type Query struct {
	Page       int
	Limit      int
	StartDate  time.Time
	EndDate    time.Time
	Actor      string
	ActionType ActionType
	TargetType TargetType
	Sort       SortOrder
}

func (q Query) withDefaults() Query {
	if q.Page < 1 {
		q.Page = DefaultPage
	}
	if q.Limit < 1 {
		q.Limit = DefaultLimit
	}
	if q.Sort != SortAsc {
		q.Sort = SortDesc
	}
	return q
}

func (q Query) offset() int {
	return (q.Page - 1) * q.Limit
}

type QueryMeta struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

type QueryResult struct {
	Data []Entry   `json:"data"`
	Meta QueryMeta `json:"meta"`
}

// VerifyResult is the outcome of a chain walk. LogID is set only on failure.
type VerifyResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	LogID   int64  `json:"logId,omitempty"`
}

const (
	MsgVerified    = "Audit log integrity verified successfully. The logs are not tampered with and the log chain is complete."
	MsgChainBroken = "Audit log chain is broken!"
	MsgTampered    = "Audit log entry is tampered!"
)

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
