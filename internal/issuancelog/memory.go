package issuancelog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLog is an in-process Log safe for concurrent use.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryLog returns a log holding only the genesis entry.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: []*Entry{{
		Index:     0,
		Timestamp: time.Now().UTC(),
		Event:     EventGenesis,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}}}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, r Record) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.entries[len(l.entries)-1]
	e := newEntry(len(l.entries), prev.Hash, r)
	l.entries = append(l.entries, e)
	return e, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	e := *l.entries[index]
	return &e, nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var v verifier
	for _, e := range l.entries {
		if err := v.next(e); err != nil {
			return err
		}
	}
	return nil
}

// Tip implements Log.
func (l *MemoryLog) Tip(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
