package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
)

// MemoryStore is a process-local Store used by tests and single-node setups
// without a database.
type MemoryStore struct {
	appendMu sync.Mutex
	mu       sync.RWMutex
	entries  []Entry
	lastID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendTx(ctx context.Context, fn func(ctx context.Context, w Writer) error) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	w := &memWriter{store: s}
	if err := fn(ctx, w); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range w.pending {
		s.lastID++
		w.pending[i].ID = s.lastID
		*w.inserted[i] = w.pending[i]
		s.entries = append(s.entries, w.pending[i])
	}
	return nil
}

type memWriter struct {
	store    *MemoryStore
	pending  []Entry
	inserted []*Entry
}

func (w *memWriter) LatestHash(context.Context) (*string, error) {
	if n := len(w.pending); n > 0 {
		h := w.pending[n-1].CurrentHash
		return &h, nil
	}
	w.store.mu.RLock()
	defer w.store.mu.RUnlock()
	if len(w.store.entries) == 0 {
		return nil, nil
	}
	h := w.store.entries[len(w.store.entries)-1].CurrentHash
	return &h, nil
}

func (w *memWriter) Insert(_ context.Context, e *Entry) error {
	w.pending = append(w.pending, *e)
	w.inserted = append(w.inserted, e)
	return nil
}

func (s *MemoryStore) Page(_ context.Context, afterID int64, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]Entry, int64, error) {
	q = q.withDefaults()

	s.mu.RLock()
	var matched []Entry
	for _, e := range s.entries {
		if matches(e, q) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	if q.Sort == SortDesc {
		sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	}

	total := int64(len(matched))
	start := min(q.offset(), len(matched))
	end := min(start+q.Limit, len(matched))
	return matched[start:end], total, nil
}

func matches(e Entry, q Query) bool {
	switch {
	case !q.StartDate.IsZero() && e.Timestamp.Before(q.StartDate):
		return false
	case !q.EndDate.IsZero() && e.Timestamp.After(q.EndDate):
		return false
	case q.Actor != "" && e.ActorIdentifier != q.Actor:
		return false
	case q.ActionType != "" && e.ActionType != q.ActionType:
		return false
	case q.TargetType != "" && (e.TargetType == nil || *e.TargetType != q.TargetType):
		return false
	}
	return true
}

// Rewrite applies fn to the stored entry with the given id, bypassing the
// chain. It exists to simulate out-of-band edits.
func (s *MemoryStore) Rewrite(id int64, fn func(e *Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			fn(&s.entries[i])
			return nil
		}
	}
	return fmt.Errorf("audit entry %d: %w", id, common.ErrorNotFound)
}

// Remove deletes the entry with the given id, bypassing the chain.
func (s *MemoryStore) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("audit entry %d: %w", id, common.ErrorNotFound)
}
