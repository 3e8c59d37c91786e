package issuancelog

import (
	"context"
	"testing"
	"time"
)

func TestVerify_detectsTampering(t *testing.T) {
	ctx := context.Background()
	for name, tamper := range map[string]func(l *MemoryLog){
		"rewritten identifier": func(l *MemoryLog) { l.entries[1].Identifier = "Bank B" },
		"broken link":          func(l *MemoryLog) { l.entries[2].PrevHash = GenesisHash },
		"bad genesis":          func(l *MemoryLog) { l.entries[0].Hash = l.entries[1].Hash },
		"dropped entry":        func(l *MemoryLog) { l.entries = append(l.entries[:1], l.entries[2:]...) },
	} {
		t.Run(name, func(t *testing.T) {
			l := NewMemoryLog()
			for _, ev := range []Event{EventCSRAccepted, EventChainServed, EventChainServed} {
				if _, err := l.Append(ctx, Record{Identifier: "Bank A", Event: ev}); err != nil {
					t.Fatal(err)
				}
			}
			tamper(l)
			if err := l.Verify(ctx); err == nil {
				t.Error("Verify() passed on a tampered log")
			}
		})
	}
}

// Postgres returns timestamps at microsecond precision in the session zone.
func TestVerify_storedTimestampRoundTrip(t *testing.T) {
	genesis := &Entry{Index: 0, Hash: GenesisHash, PrevHash: GenesisHash}
	e := newEntry(1, GenesisHash, Record{Identifier: "Bank A", Event: EventCSRAccepted, Serial: "42"})

	if e.Timestamp.Nanosecond()%int(time.Microsecond) != 0 {
		t.Errorf("timestamp %s carries sub-microsecond precision", e.Timestamp.Format(time.RFC3339Nano))
	}

	stored := *e
	stored.Timestamp = e.Timestamp.Truncate(time.Microsecond).In(time.FixedZone("CET", 3600))

	v := &verifier{}
	if err := v.next(genesis); err != nil {
		t.Fatal(err)
	}
	if err := v.next(&stored); err != nil {
		t.Errorf("stored entry failed verification: %v", err)
	}
}
