// Package ingestion defines the connector protocol used to pull mail out of
// a source and the mbox connector that implements it.
package ingestion

import (
	"context"
	"errors"
	"time"
)

// ErrEndOfSequence is returned by iterators once every item has been
// produced. It is not a failure.
var ErrEndOfSequence = errors.New("end of sequence")

type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Content     []byte `json:"-"`
}

// EmailObject is one parsed message. EML holds the bytes exactly as they
// were read from the source; it is what gets stored and hashed.
type EmailObject struct {
	ID          string              `json:"id"`
	ThreadID    string              `json:"threadId"`
	From        []EmailAddress      `json:"from"`
	To          []EmailAddress      `json:"to"`
	Cc          []EmailAddress      `json:"cc"`
	Bcc         []EmailAddress      `json:"bcc"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	HTML        string              `json:"html"`
	Headers     map[string][]string `json:"headers"`
	Attachments []Attachment        `json:"attachments"`
	ReceivedAt  time.Time           `json:"receivedAt"`
	EML         []byte              `json:"-"`
	Path        string              `json:"path"`
}

// MailboxUser is one mailbox a connector can fetch from.
type MailboxUser struct {
	ID           string `json:"id"`
	PrimaryEmail string `json:"primaryEmail"`
	DisplayName  string `json:"displayName"`
}

// SyncState is an opaque cursor owned by the connector that produced it.
type SyncState map[string]any

// SkipMarker stands in for a message that could not be parsed.
type SkipMarker struct {
	Reason string
	Err    error
}

// FetchItem holds exactly one of Email or Skip.
type FetchItem struct {
	Email *EmailObject
	Skip  *SkipMarker
}

// EmailIterator is a pull-based sequence of fetched messages. Next returns
// ErrEndOfSequence after the last item; any other error ends the run.
type EmailIterator interface {
	Next(ctx context.Context) (FetchItem, error)
	Close() error
}

type UserIterator interface {
	Next(ctx context.Context) (MailboxUser, error)
}

// Connector is implemented by every ingestion source.
type Connector interface {
	// TestConnection validates the source without mutating it.
	TestConnection(ctx context.Context) error
	ListUsers(ctx context.Context) (UserIterator, error)
	FetchEmails(ctx context.Context, user MailboxUser, state SyncState) (EmailIterator, error)
	// UpdatedSyncState returns the cursor to persist once a fetch pass completes.
	UpdatedSyncState() SyncState
}

type sliceUserIterator struct {
	users []MailboxUser
	pos   int
}

// NewUserIterator returns an iterator over a fixed list of users.
func NewUserIterator(users ...MailboxUser) UserIterator {
	return &sliceUserIterator{users: users}
}

func (it *sliceUserIterator) Next(ctx context.Context) (MailboxUser, error) {
	if err := ctx.Err(); err != nil {
		return MailboxUser{}, err
	}
	if it.pos >= len(it.users) {
		return MailboxUser{}, ErrEndOfSequence
	}
	u := it.users[it.pos]
	it.pos++
	return u, nil
}
