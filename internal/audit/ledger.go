package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dmitrijs2005/mailarchiver/internal/logging"
)

// ErrInvalidEntry is returned by Append for entries that fail validation.
var ErrInvalidEntry = errors.New("invalid audit entry")

// VerifyPageSize is how many entries Verify loads per round trip.
const VerifyPageSize = 1000

// Ledger appends to, verifies and queries the audit chain.
type Ledger struct {
	store    Store
	logger   logging.Logger
	validate *validator.Validate
	now      func() time.Time
	pageSize int

	// serializes appenders within the process; the store serializes across processes
	mu sync.Mutex
}

func NewLedger(store Store, logger logging.Logger) *Ledger {
	return &Ledger{
		store:    store,
		logger:   logger.With("module", "audit"),
		validate: validator.New(),
		now:      time.Now,
		pageSize: VerifyPageSize,
	}
}

// Append links ne to the current head of the chain and persists it. Reading
// the head, hashing and inserting happen in one critical section, so
// concurrent appends never fork the chain.
func (l *Ledger) Append(ctx context.Context, ne NewEntry) (*Entry, error) {
	if err := l.validate.Struct(ne); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	var details json.RawMessage
	if ne.Details != nil {
		b, err := json.Marshal(ne.Details)
		if err != nil {
			return nil, fmt.Errorf("%w: details: %v", ErrInvalidEntry, err)
		}
		if string(b) != "null" {
			details = b
		}
	}

	e := &Entry{
		ActorIdentifier: ne.ActorIdentifier,
		ActorIP:         strPtr(ne.ActorIP),
		ActionType:      ne.ActionType,
		TargetID:        strPtr(ne.TargetID),
		Details:         details,
	}
	if ne.TargetType != "" {
		tt := ne.TargetType
		e.TargetType = &tt
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.store.AppendTx(ctx, func(ctx context.Context, w Writer) error {
		prev, err := w.LatestHash(ctx)
		if err != nil {
			return err
		}
		e.PreviousHash = prev
		// stored precision matches the hashed precision
		e.Timestamp = l.now().UTC().Truncate(time.Millisecond)

		if e.CurrentHash, err = Hash(e); err != nil {
			return err
		}
		return w.Insert(ctx, e)
	})
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	return e, nil
}

// Verify walks the whole chain in id order and stops at the first broken
// link or tampered entry. Findings are reported in the result; the error is
// reserved for failures to read the ledger.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	var (
		afterID int64
		prev    *string
		checked int
	)
	for {
		page, err := l.store.Page(ctx, afterID, l.pageSize)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("read audit page after %d: %w", afterID, err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			e := &page[i]
			if !sameHash(e.PreviousHash, prev) {
				l.logger.Warn(ctx, "audit chain broken", "id", e.ID)
				return VerifyResult{OK: false, Message: MsgChainBroken, LogID: e.ID}, nil
			}
			h, err := Hash(e)
			if err != nil || h != e.CurrentHash {
				l.logger.Warn(ctx, "audit entry tampered", "id", e.ID)
				return VerifyResult{OK: false, Message: MsgTampered, LogID: e.ID}, nil
			}
			cur := e.CurrentHash
			prev = &cur
			afterID = e.ID
			checked++
		}
	}

	l.logger.Info(ctx, "audit chain verified", "entries", checked)
	return VerifyResult{OK: true, Message: MsgVerified}, nil
}

// Query returns one page of entries and pagination metadata.
func (l *Ledger) Query(ctx context.Context, q Query) (*QueryResult, error) {
	q = q.withDefaults()
	entries, total, err := l.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return &QueryResult{
		Data: entries,
		Meta: QueryMeta{Total: total, Page: q.Page, Limit: q.Limit},
	}, nil
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
