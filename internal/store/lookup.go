package store

import (
	"context"
	"fmt"
	"maps"

	"github.com/lox/dmistats/internal/models"
)

// Resolver maps external station and parameter identifiers to surrogate
// keys. It is loaded once per run and read-only afterwards, so it is safe
// for concurrent use.
type Resolver struct {
	stations map[string]int64
	params   map[string]int64
}

// LoadResolver reads the lookup tables into memory.
func (s *Store) LoadResolver(ctx context.Context) (*Resolver, error) {
	stations, err := s.Stations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stations: %w", err)
	}
	params, err := s.Parameters(ctx)
	if err != nil {
		return nil, fmt.Errorf("load parameters: %w", err)
	}
	return NewResolver(stations, params), nil
}

func NewResolver(stations []models.Station, params []models.Parameter) *Resolver {
	r := &Resolver{
		stations: make(map[string]int64, len(stations)),
		params:   make(map[string]int64, len(params)),
	}
	for _, st := range stations {
		r.stations[st.ExternalID] = st.ID
	}
	for _, p := range params {
		r.params[p.ExternalID] = p.ID
	}
	return r
}

func (r *Resolver) Station(externalID string) (int64, error) {
	id, ok := r.stations[externalID]
	if !ok {
		return 0, &NotFoundError{Kind: "station", ExternalID: externalID}
	}
	return id, nil
}

func (r *Resolver) Parameter(externalID string) (int64, error) {
	id, ok := r.params[externalID]
	if !ok {
		return 0, &NotFoundError{Kind: "parameter", ExternalID: externalID}
	}
	return id, nil
}

// Stations returns the full external id to surrogate key mapping. The map is
// a copy.
func (r *Resolver) Stations() map[string]int64 {
	return maps.Clone(r.stations)
}

func (r *Resolver) Parameters() map[string]int64 {
	return maps.Clone(r.params)
}
