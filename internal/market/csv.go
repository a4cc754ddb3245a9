package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// LoadCSV reads bars from a CSV file with header
// time,open,high,low,close,volume. Timestamps are RFC3339 or unix
// seconds. The loaded series is not validated here; callers run
// Validate with their configured max gap.
func LoadCSV(path, symbol string) (Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return Series{}, fmt.Errorf("open bars: %w", err)
	}
	defer f.Close()
	return ReadCSV(f, symbol)
}

// ReadCSV parses bars from r. Split out from LoadCSV for tests.
func ReadCSV(r io.Reader, symbol string) (Series, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 6

	header, err := cr.Read()
	if err != nil {
		return Series{}, fmt.Errorf("read header: %w", err)
	}
	if header[0] != "time" {
		return Series{}, fmt.Errorf("unexpected header %q, want time,open,high,low,close,volume", header[0])
	}

	s := Series{Symbol: symbol}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Series{}, fmt.Errorf("read line %d: %w", line, err)
		}
		ts, err := parseTime(rec[0])
		if err != nil {
			return Series{}, fmt.Errorf("line %d: %w", line, err)
		}
		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			v, err := strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				return Series{}, fmt.Errorf("line %d field %d: %w", line, i+1, err)
			}
			vals[i] = v
		}
		s.Bars = append(s.Bars, Bar{
			Time: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4],
		})
	}
	return s, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}
