package live

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"quantpipe/internal/broker"
)

// Checkpoint is the durable record of a paper session: the counters
// plus the full ledger are flushed together so a crashed or halted run
// can be audited afterwards.
type Checkpoint struct {
	Symbol  string    `json:"symbol"`
	Start   time.Time `json:"start"`
	Saved   time.Time `json:"saved"`
	Bars    int       `json:"bars"`
	Signals int       `json:"signals"`
	Fills   int       `json:"fills"`
	Faults  int       `json:"faults"`
	Stale   bool      `json:"stale"`
}

// SaveCheckpoint writes session state to dir: session.json plus
// ledger.jsonl. Both writes go through a temp file and rename so a
// crash mid-flush never leaves a truncated record.
func SaveCheckpoint(dir, symbol string, s Stats, ledger *broker.Ledger, now time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cp := Checkpoint{
		Symbol: symbol, Start: s.Start, Saved: now.UTC(),
		Bars: s.Bars, Signals: s.Signals, Fills: s.Fills, Faults: s.Faults, Stale: s.Stale,
	}
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(dir, "session.json"), b); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return err
	}
	if err := ledger.WriteJSONL(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, "ledger.jsonl"))
}

// LoadCheckpoint reads a previously saved session record.
func LoadCheckpoint(dir string) (Checkpoint, error) {
	b, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

func atomicWrite(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
