package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Artifact is an immutable trained-model record. Retraining registers a
// new version; nothing ever mutates an existing artifact in place.
type Artifact struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	FoldID     int             `json:"fold_id"`
	Version    int             `json:"version"`
	Kind       string          `json:"kind"` // "primary" | "meta"
	Schema     []string        `json:"schema"`
	Params     json.RawMessage `json:"params"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store is the persistence surface the registry needs: get/put/list
// keyed by (strategy id, fold id, version). The file store below serves
// research runs; a networked store plugs in the same way.
type Store interface {
	Put(a Artifact) error
	Get(strategyID string, foldID, version int) (Artifact, error)
	ListVersions(strategyID string, foldID int) ([]int, error)
}

// ErrNotFound is returned by stores when no artifact matches.
var ErrNotFound = fmt.Errorf("model artifact not found")

// Registry owns artifact versioning on top of a Store. It is an
// explicitly constructed instance handed to the trainer and strategy,
// never process-global state.
type Registry struct {
	store Store
	clock func() time.Time
	log   zerolog.Logger
}

// NewRegistry wires a registry over a store.
func NewRegistry(store Store, log zerolog.Logger) *Registry {
	return &Registry{store: store, clock: time.Now, log: log.With().Str("component", "registry").Logger()}
}

// Register persists a fitted model as the next version for its key.
func (r *Registry) Register(strategyID string, foldID int, kind string, schema []string, m *Logistic) (Artifact, error) {
	params, err := m.Params()
	if err != nil {
		return Artifact{}, err
	}
	versions, err := r.store.ListVersions(strategyID, foldID)
	if err != nil {
		return Artifact{}, fmt.Errorf("list versions: %w", err)
	}
	next := 1
	for _, v := range versions {
		if v >= next {
			next = v + 1
		}
	}
	a := Artifact{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		FoldID:     foldID,
		Version:    next,
		Kind:       kind,
		Schema:     schema,
		Params:     params,
		CreatedAt:  r.clock().UTC(),
	}
	if err := r.store.Put(a); err != nil {
		return Artifact{}, fmt.Errorf("store artifact: %w", err)
	}
	r.log.Info().Str("strategy", strategyID).Int("fold", foldID).Int("version", next).
		Str("kind", kind).Msg("registered model artifact")
	return a, nil
}

// Latest loads the most recent version for a key.
func (r *Registry) Latest(strategyID string, foldID int) (*Logistic, Artifact, error) {
	versions, err := r.store.ListVersions(strategyID, foldID)
	if err != nil {
		return nil, Artifact{}, err
	}
	if len(versions) == 0 {
		return nil, Artifact{}, ErrNotFound
	}
	max := versions[0]
	for _, v := range versions[1:] {
		if v > max {
			max = v
		}
	}
	return r.Version(strategyID, foldID, max)
}

// Version loads an explicit version for reproducibility.
func (r *Registry) Version(strategyID string, foldID, version int) (*Logistic, Artifact, error) {
	a, err := r.store.Get(strategyID, foldID, version)
	if err != nil {
		return nil, Artifact{}, err
	}
	m, err := LogisticFromParams(a.Params)
	if err != nil {
		return nil, Artifact{}, err
	}
	return m, a, nil
}
