// Package issuancelog is a hash-chained audit log of certificate issuance.
//
// Every accepted certificate request and every served chain is appended as an
// Entry whose Hash covers its fields and its predecessor's Hash. The chain
// starts at a genesis entry whose Hash is GenesisHash, so rewriting any entry
// is detected by Verify.
//
// MemoryLog backs tests and single-process authorities; PostgresLog is the
// durable implementation.
package issuancelog

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// GenesisHash is the Hash and PrevHash of entry 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event names the issuance step an entry records.
type Event string

const (
	EventGenesis     Event = "genesis"
	EventCSRAccepted Event = "csr_accepted"
	EventChainServed Event = "chain_served"
)

// ErrNotFound is returned by Get for an index past the tip.
var ErrNotFound = errors.New("log entry not found")

// Entry is one audit record.
type Entry struct {
	Index       int       `json:"index"`
	Timestamp   time.Time `json:"timestamp"`
	Identifier  string    `json:"identifier"`
	Event       Event     `json:"event"`
	Serial      string    `json:"serial"`
	Fingerprint string    `json:"fingerprint"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// Record is the caller-supplied part of an Entry.
type Record struct {
	Identifier  string
	Event       Event
	Serial      string
	Fingerprint string
}

// RecordFor builds a Record for cert under identifier.
func RecordFor(event Event, identifier string, cert *x509.Certificate) Record {
	r := Record{Identifier: identifier, Event: event}
	if cert != nil {
		r.Serial = serialHex(cert.SerialNumber)
		sum := sha256.Sum256(cert.Raw)
		r.Fingerprint = hex.EncodeToString(sum[:])
	}
	return r
}

// Log is an append-only issuance log.
type Log interface {
	// Append chains r onto the current tip.
	Append(ctx context.Context, r Record) (*Entry, error)
	// Get returns the entry at a zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)
	// Len counts entries, genesis included.
	Len(ctx context.Context) (int, error)
	// Verify walks the chain and checks every link.
	Verify(ctx context.Context) error
	// Tip returns the hash of the most recent entry.
	Tip(ctx context.Context) (string, error)
}

// hashEntry must never be called on the genesis entry. The timestamp is
// hashed in UTC so entries read back in another zone still verify.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Identifier, e.Event, e.Serial, e.Fingerprint, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func newEntry(index int, prevHash string, r Record) *Entry {
	e := &Entry{
		Index:       index,
		// TIMESTAMPTZ keeps microseconds only.
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
		Identifier:  r.Identifier,
		Event:       r.Event,
		Serial:      r.Serial,
		Fingerprint: r.Fingerprint,
		PrevHash:    prevHash,
	}
	e.Hash = hashEntry(e)
	return e
}

// verifier checks entries fed to it in index order.
type verifier struct {
	prev *Entry
}

func (v *verifier) next(curr *Entry) error {
	defer func() { v.prev = curr }()
	if v.prev == nil {
		if curr.Index != 0 || curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.Index != v.prev.Index+1 {
		return fmt.Errorf("index gap after %d", v.prev.Index)
	}
	if curr.PrevHash != v.prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}

func serialHex(n *big.Int) string {
	if n == nil {
		return ""
	}
	return n.Text(16)
}
