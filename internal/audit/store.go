package audit

import "context"

// Writer is handed to the function run inside Store.AppendTx. Calls made
// through it observe a ledger no other appender can change until the
// function returns.
type Writer interface {
	LatestHash(ctx context.Context) (*string, error)
	// Insert persists e and sets e.ID.
	Insert(ctx context.Context, e *Entry) error
}

// Store persists ledger entries. AppendTx must serialize appenders across
// every process sharing the store and roll back when fn fails.
type Store interface {
	AppendTx(ctx context.Context, fn func(ctx context.Context, w Writer) error) error
	// Page returns up to limit entries with id > afterID in ascending id order.
	Page(ctx context.Context, afterID int64, limit int) ([]Entry, error)
	// Query returns one page of matching entries and the total match count.
	Query(ctx context.Context, q Query) ([]Entry, int64, error)
}
