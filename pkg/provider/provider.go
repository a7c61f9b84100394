// Package provider supplies the slices of a series to the reconstruction engine.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mprview/internal/models"
)

// SliceProvider returns the decoded slices of a series. Implementations report
// an unknown series with models.ErrSeriesNotFound.
type SliceProvider interface {
	ListSlices(ctx context.Context, seriesID string) (*models.Series, error)
}

// SeriesLister is implemented by providers that can enumerate their series
type SeriesLister interface {
	SeriesIDs(ctx context.Context) ([]string, error)
}

// Memory is an in-memory provider, used for tests and for series pushed by
// other components
type Memory struct {
	mu     sync.RWMutex
	series map[string]*models.Series
}

// NewMemory creates an empty in-memory provider
func NewMemory() *Memory {
	return &Memory{series: make(map[string]*models.Series)}
}

// Put stores or replaces a series
func (m *Memory) Put(series *models.Series) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[series.ID] = series
}

// Delete removes a series
func (m *Memory) Delete(seriesID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.series, seriesID)
}

// ListSlices returns the stored series
func (m *Memory) ListSlices(ctx context.Context, seriesID string) (*models.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[seriesID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSeriesNotFound, seriesID)
	}
	return s, nil
}

// SeriesIDs returns the stored series ids in sorted order
func (m *Memory) SeriesIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.series))
	for id := range m.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
