package features

import (
	"fmt"
	"math"
)

// ADFResult reports an augmented unit-root style stationarity check. The
// check is advisory: over-differencing destroys predictive memory, so
// callers decide what to do with a failing d rather than the engine
// clamping it.
type ADFResult struct {
	TStat      float64
	Critical   float64
	Confidence float64
	Stationary bool
}

// adfCritical holds Dickey-Fuller critical values (constant, no trend)
// for the large-sample case.
var adfCritical = map[float64]float64{
	0.90: -2.57,
	0.95: -2.86,
	0.99: -3.43,
}

// Stationarity runs a Dickey-Fuller regression of the first difference
// on the lagged level with a constant, and compares the t-statistic on
// the lag coefficient against the critical value at the given confidence
// level (one of 0.90, 0.95, 0.99).
func Stationarity(values []float64, confidence float64) (ADFResult, error) {
	crit, ok := adfCritical[confidence]
	if !ok {
		return ADFResult{}, fmt.Errorf("unsupported confidence level %v (want 0.90, 0.95, or 0.99)", confidence)
	}
	n := len(values) - 1
	if n < 20 {
		return ADFResult{}, fmt.Errorf("need at least 21 observations, got %d", len(values))
	}

	// dy[t] = alpha + gamma*y[t-1] + e
	var sumY, sumDY, sumYY, sumYDY float64
	for t := 1; t < len(values); t++ {
		y := values[t-1]
		dy := values[t] - values[t-1]
		sumY += y
		sumDY += dy
		sumYY += y * y
		sumYDY += y * dy
	}
	fn := float64(n)
	den := sumYY - sumY*sumY/fn
	if den == 0 {
		return ADFResult{}, fmt.Errorf("degenerate series: zero variance in lagged level")
	}
	gamma := (sumYDY - sumY*sumDY/fn) / den
	alpha := (sumDY - gamma*sumY) / fn

	var sse float64
	for t := 1; t < len(values); t++ {
		resid := (values[t] - values[t-1]) - alpha - gamma*values[t-1]
		sse += resid * resid
	}
	sigma2 := sse / (fn - 2)
	se := math.Sqrt(sigma2 / den)
	if se == 0 {
		return ADFResult{}, fmt.Errorf("degenerate series: zero residual variance")
	}

	tstat := gamma / se
	return ADFResult{
		TStat:      tstat,
		Critical:   crit,
		Confidence: confidence,
		Stationary: tstat < crit,
	}, nil
}
