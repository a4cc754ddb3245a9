package market

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mkSeries(n int, step time.Duration) Series {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	s := Series{Symbol: "TEST"}
	for i := 0; i < n; i++ {
		p := 100.0 + float64(i)
		s.Bars = append(s.Bars, Bar{
			Time: start.Add(time.Duration(i) * step),
			Open: p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: 1000,
		})
	}
	return s
}

func TestValidateAcceptsCleanSeries(t *testing.T) {
	s := mkSeries(10, 24*time.Hour)
	require.NoError(t, s.Validate(48*time.Hour))
}

func TestValidateRejectsNonMonotonic(t *testing.T) {
	s := mkSeries(5, time.Hour)
	s.Bars[3].Time = s.Bars[2].Time // duplicate timestamp
	err := s.Validate(0)
	var dq *DataQualityError
	require.True(t, errors.As(err, &dq))
	require.Equal(t, 3, dq.Index)
}

func TestValidateRejectsGap(t *testing.T) {
	s := mkSeries(5, time.Hour)
	s.Bars[4].Time = s.Bars[3].Time.Add(10 * time.Hour)
	err := s.Validate(2 * time.Hour)
	var dq *DataQualityError
	require.True(t, errors.As(err, &dq))
	require.Contains(t, dq.Reason, "gap")
}

func TestValidateRejectsNaN(t *testing.T) {
	s := mkSeries(3, time.Hour)
	s.Bars[1].Close = math.NaN()
	var dq *DataQualityError
	require.True(t, errors.As(s.Validate(0), &dq))
}

func TestValidateRejectsEmpty(t *testing.T) {
	var dq *DataQualityError
	require.True(t, errors.As(Series{Symbol: "X"}.Validate(0), &dq))
}

func TestReadCSV(t *testing.T) {
	in := strings.Join([]string{
		"time,open,high,low,close,volume",
		"2024-01-02T00:00:00Z,100,101,99,100.5,1200",
		"2024-01-03T00:00:00Z,100.5,102,100,101,900",
	}, "\n")
	s, err := ReadCSV(strings.NewReader(in), "BTCUSD")
	require.NoError(t, err)
	require.Len(t, s.Bars, 2)
	require.Equal(t, 101.0, s.Bars[1].Close)
	require.NoError(t, s.Validate(48*time.Hour))
}

func TestReadCSVBadField(t *testing.T) {
	in := "time,open,high,low,close,volume\n2024-01-02T00:00:00Z,100,101,99,oops,1200\n"
	_, err := ReadCSV(strings.NewReader(in), "BTCUSD")
	require.Error(t, err)
}
