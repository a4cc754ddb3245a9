package observ

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerLevels(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, NewLogger("debug", false).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("", false).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("bogus", false).GetLevel())
	assert.Equal(t, zerolog.WarnLevel, NewLogger("WARN", true).GetLevel())
}

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.BarsIngested.WithLabelValues("TEST").Add(3)
	m.FeedStale.WithLabelValues("TEST").Set(1)
	m.FoldsTrained.Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.BarsIngested.WithLabelValues("TEST")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedStale.WithLabelValues("TEST")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FoldsTrained))
}
