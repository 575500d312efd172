// Package models holds the persisted archive records.
package models

import (
	"time"

	"github.com/dmitrijs2005/mailarchiver/internal/ingestion"
)

// Recipients is stored as one JSON document per email.
type Recipients struct {
	To  []ingestion.EmailAddress `json:"to"`
	Cc  []ingestion.EmailAddress `json:"cc"`
	Bcc []ingestion.EmailAddress `json:"bcc"`
}

// ArchivedEmail is one stored message. StorageHashSha256 is the digest of
// the plaintext bytes at archive time.
type ArchivedEmail struct {
	ID                string     `json:"id"`
	IngestionSourceID string     `json:"ingestionSourceId"`
	UserEmail         string     `json:"userEmail"`
	MessageIDHeader   string     `json:"messageIdHeader"`
	ThreadID          string     `json:"threadId"`
	SenderName        string     `json:"senderName"`
	SenderEmail       string     `json:"senderEmail"`
	Recipients        Recipients `json:"recipients"`
	Subject           string     `json:"subject"`
	SentAt            time.Time  `json:"sentAt"`
	StoragePath       string     `json:"storagePath"`
	StorageHashSha256 string     `json:"storageHashSha256"`
	SizeBytes         int64      `json:"sizeBytes"`
	HasAttachments    bool       `json:"hasAttachments"`
	Tags              []string   `json:"tags"`
	Path              string     `json:"path"`
	ArchivedAt        time.Time  `json:"archivedAt"`
}

// ThreadEmail is the short form used when listing a conversation.
type ThreadEmail struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	SentAt      time.Time `json:"sentAt"`
	SenderEmail string    `json:"senderEmail"`
}
