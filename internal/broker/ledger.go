package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// EntryType tags a ledger entry.
type EntryType string

const (
	EntryFill   EntryType = "fill"
	EntryFee    EntryType = "fee"
	EntryMark   EntryType = "mark"
	EntryReject EntryType = "reject"
)

// LedgerEntry is one append-only accounting record. The ledger is the
// sole source of truth for performance metrics; reports derive from it
// and nothing ever rewrites it.
type LedgerEntry struct {
	Seq       int       `json:"seq"`
	Time      time.Time `json:"time"`
	Type      EntryType `json:"type"`
	Symbol    string    `json:"symbol"`
	OrderID   string    `json:"order_id,omitempty"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	CashDelta float64   `json:"cash_delta"`
	Note      string    `json:"note,omitempty"`
}

// Ledger is an append-only entry sequence, safe for one writer and
// concurrent readers.
type Ledger struct {
	mu      sync.Mutex
	entries []LedgerEntry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Append records an entry, assigning the next sequence number.
func (l *Ledger) Append(e LedgerEntry) {
	l.mu.Lock()
	e.Seq = len(l.entries)
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Entries returns a copy of all recorded entries.
func (l *Ledger) Entries() []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the entry count.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// WriteJSONL streams entries as one JSON object per line. Field order
// is fixed by the struct, so two identical runs produce byte-identical
// output.
func (l *Ledger) WriteJSONL(w io.Writer) error {
	for _, e := range l.Entries() {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal ledger entry %d: %w", e.Seq, err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write ledger entry %d: %w", e.Seq, err)
		}
	}
	return nil
}
