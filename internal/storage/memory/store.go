package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// Store implements the portfolio persistence interfaces in memory.
type Store struct {
	mu            sync.RWMutex
	targets       map[string]portfolio.Target
	entities      map[string][]portfolio.PersistedEntity
	changes       map[portfolio.ChangeKey]portfolio.DetectedChange
	changeOrder   []portfolio.ChangeKey
	usage         []portfolio.UsageRecord
	notifications []portfolio.Notification
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		targets:  make(map[string]portfolio.Target),
		entities: make(map[string][]portfolio.PersistedEntity),
		changes:  make(map[portfolio.ChangeKey]portfolio.DetectedChange),
	}
}

// Seed is the JSON shape accepted by LoadSeed.
type Seed struct {
	Targets  []portfolio.Target          `json:"targets"`
	Entities []portfolio.PersistedEntity `json:"entities"`
}

// LoadSeed reads targets and entities from JSON.
func (s *Store) LoadSeed(r io.Reader) error {
	var seed Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, t := range seed.Targets {
		if err := s.PutTarget(t); err != nil {
			return err
		}
	}
	for _, e := range seed.Entities {
		if err := s.PutEntity(e); err != nil {
			return err
		}
	}
	return nil
}

// PutTarget inserts or replaces a target.
func (s *Store) PutTarget(t portfolio.Target) error {
	if t.ID == "" {
		return errors.New("target id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = t
	return nil
}

// PutEntity adds an entity to its target.
func (s *Store) PutEntity(e portfolio.PersistedEntity) error {
	if e.ID == "" || e.TargetID == "" {
		return errors.New("entity id and target id are required")
	}
	if e.Status == "" {
		e.Status = portfolio.StatusActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.TargetID] = append(s.entities[e.TargetID], e)
	return nil
}

// Target returns a stored target.
func (s *Store) Target(id string) (portfolio.Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	return t, ok
}

// ListEligible implements portfolio.TargetRegistry.
func (s *Store) ListEligible(_ context.Context, filter portfolio.TargetFilter) ([]portfolio.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]portfolio.Target, 0, len(s.targets))
	for _, t := range s.targets {
		if !t.Eligible() {
			continue
		}
		if filter.ID != "" && t.ID != filter.ID {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, compareScanOrder)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// compareScanOrder sorts never-scanned targets first, then oldest scan first.
func compareScanOrder(a, b portfolio.Target) int {
	switch {
	case a.LastScannedAt == nil && b.LastScannedAt != nil:
		return -1
	case a.LastScannedAt != nil && b.LastScannedAt == nil:
		return 1
	case a.LastScannedAt != nil && b.LastScannedAt != nil:
		if c := a.LastScannedAt.Compare(*b.LastScannedAt); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ID, b.ID)
}

// UpdateScanState implements portfolio.TargetRegistry.
func (s *Store) UpdateScanState(_ context.Context, targetID string, tokens portfolio.ValidatorTokens, scannedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return fmt.Errorf("target %q not found", targetID)
	}
	t.Validators = tokens
	t.LastScannedAt = &scannedAt
	s.targets[targetID] = t
	return nil
}

// TouchLastScan implements portfolio.TargetRegistry.
func (s *Store) TouchLastScan(_ context.Context, targetID string, scannedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return fmt.Errorf("target %q not found", targetID)
	}
	t.LastScannedAt = &scannedAt
	s.targets[targetID] = t
	return nil
}

// ListByTarget implements portfolio.EntityStore.
func (s *Store) ListByTarget(_ context.Context, targetID string) ([]portfolio.PersistedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entities[targetID]), nil
}

// InsertIfAbsent implements portfolio.ChangeLog keyed by target, normalized
// name and change type.
func (s *Store) InsertIfAbsent(_ context.Context, change portfolio.DetectedChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := change.Key()
	if _, exists := s.changes[key]; exists {
		return false, nil
	}
	change.Metadata = maps.Clone(change.Metadata)
	s.changes[key] = change
	s.changeOrder = append(s.changeOrder, key)
	return true, nil
}

// Changes returns detected changes in insertion order.
func (s *Store) Changes() []portfolio.DetectedChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]portfolio.DetectedChange, 0, len(s.changeOrder))
	for _, k := range s.changeOrder {
		out = append(out, s.changes[k])
	}
	return out
}

// RecordUsage implements portfolio.UsageLedger.
func (s *Store) RecordUsage(_ context.Context, rec portfolio.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Metadata = maps.Clone(rec.Metadata)
	s.usage = append(s.usage, rec)
	return nil
}

// Usage returns every recorded usage entry.
func (s *Store) Usage() []portfolio.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.usage)
}

// InsertNotification implements portfolio.NotificationStore.
func (s *Store) InsertNotification(_ context.Context, n portfolio.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

// Notifications returns stored notifications.
func (s *Store) Notifications() []portfolio.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.notifications)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}
