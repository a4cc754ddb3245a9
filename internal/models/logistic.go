// Package models provides the predictor capability contract, a
// deterministic seeded learner, the per-fold trainer, and the versioned
// artifact registry.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
)

// Predictor is the single capability every model variant implements:
// a score for one feature row. Primary models emit a directional score
// in [-1,1]; meta models emit an act probability in [0,1].
type Predictor interface {
	Predict(features []float64) float64
}

// Logistic is a logistic-regression classifier over standardized
// features. Training is fully deterministic given the seed.
type Logistic struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
	Mean    []float64 `json:"mean"`
	Std     []float64 `json:"std"`
	Binary  bool      `json:"binary"` // true: P(1) in [0,1]; false: direction score in [-1,1]
}

// TrainConfig tunes the gradient-descent fit.
type TrainConfig struct {
	Seed         int64
	Epochs       int
	LearningRate float64
	L2           float64
}

func (c TrainConfig) withDefaults() TrainConfig {
	if c.Epochs == 0 {
		c.Epochs = 300
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.1
	}
	return c
}

// TrainLogistic fits a classifier. Labels are -1/+1 for a directional
// primary model or 0/1 for a binary meta model; the label alphabet
// decides the output convention of Predict.
func TrainLogistic(x [][]float64, y []int, cfg TrainConfig) (*Logistic, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, fmt.Errorf("bad training shape: %d rows, %d labels", len(x), len(y))
	}
	dim := len(x[0])
	binary := true
	for _, label := range y {
		switch label {
		case 0, 1:
		case -1:
			binary = false
		default:
			return nil, fmt.Errorf("unsupported label %d", label)
		}
	}

	cfg = cfg.withDefaults()
	m := &Logistic{
		Weights: make([]float64, dim),
		Mean:    make([]float64, dim),
		Std:     make([]float64, dim),
		Binary:  binary,
	}
	m.fitScaler(x)

	// Targets in {0,1} regardless of alphabet.
	targets := make([]float64, len(y))
	for i, label := range y {
		if label > 0 {
			targets[i] = 1
		}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, i := range order {
			row := m.scale(x[i])
			p := sigmoid(dot(m.Weights, row) + m.Bias)
			g := p - targets[i]
			for d := 0; d < dim; d++ {
				m.Weights[d] -= cfg.LearningRate * (g*row[d] + cfg.L2*m.Weights[d])
			}
			m.Bias -= cfg.LearningRate * g
		}
	}
	return m, nil
}

// Predict returns P(1) for binary models, or 2*P(up)-1 for directional
// models so positive means long and negative means short.
func (m *Logistic) Predict(features []float64) float64 {
	p := sigmoid(dot(m.Weights, m.scale(features)) + m.Bias)
	if m.Binary {
		return p
	}
	return 2*p - 1
}

// Params serializes the fitted parameters for the registry.
func (m *Logistic) Params() (json.RawMessage, error) {
	return json.Marshal(m)
}

// LogisticFromParams reconstructs a predictor from registry parameters.
func LogisticFromParams(raw json.RawMessage) (*Logistic, error) {
	var m Logistic
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode logistic params: %w", err)
	}
	return &m, nil
}

func (m *Logistic) fitScaler(x [][]float64) {
	n := float64(len(x))
	for d := range m.Mean {
		var sum float64
		for _, row := range x {
			sum += row[d]
		}
		m.Mean[d] = sum / n
	}
	for d := range m.Std {
		var sq float64
		for _, row := range x {
			diff := row[d] - m.Mean[d]
			sq += diff * diff
		}
		m.Std[d] = math.Sqrt(sq / n)
		if m.Std[d] == 0 {
			m.Std[d] = 1
		}
	}
}

func (m *Logistic) scale(row []float64) []float64 {
	out := make([]float64, len(row))
	for d := range row {
		out[d] = (row[d] - m.Mean[d]) / m.Std[d]
	}
	return out
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
