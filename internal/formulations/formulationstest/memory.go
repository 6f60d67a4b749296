// Package formulationstest provides an in-memory formulations store.
package formulationstest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/formulations"
	"github.com/spicemill/spicemill/internal/shared"
)

// Store implements formulations.RepositoryPort with rollback on error.
type Store struct {
	mu     sync.Mutex
	items  map[int64]formulations.Formulation
	nextID int64
	now    time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{items: map[int64]formulations.Formulation{}, now: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
}

// Seed stores f, assigning an id when zero.
func (s *Store) Seed(f formulations.Formulation) formulations.Formulation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == 0 {
		s.nextID++
		f.ID = s.nextID
	} else if f.ID > s.nextID {
		s.nextID = f.ID
	}
	if f.Status == "" {
		f.Status = costing.StatusActive
	}
	s.items[f.ID] = clone(f)
	return f
}

// All returns every formulation ordered by id.
func (s *Store) All() []formulations.Formulation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted()
}

// WithTx runs fn against a transactional view of the store.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, formulations.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RunTx(func(tx formulations.TxRepository) error { return fn(ctx, tx) })
}

// RunTx is WithTx for callers that already coordinate locking.
func (s *Store) RunTx(fn func(formulations.TxRepository) error) error {
	snap := make(map[int64]formulations.Formulation, len(s.items))
	for k, v := range s.items {
		snap[k] = clone(v)
	}
	nextID := s.nextID
	if err := fn(&memoryTx{s: s}); err != nil {
		s.items = snap
		s.nextID = nextID
		return err
	}
	return nil
}

// Get implements formulations.RepositoryPort.
func (s *Store) Get(_ context.Context, id int64) (formulations.Formulation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.items[id]
	if !ok {
		return formulations.Formulation{}, formulations.ErrNotFound
	}
	return clone(f), nil
}

// List implements formulations.RepositoryPort.
func (s *Store) List(_ context.Context, filter formulations.ListFilter) ([]formulations.Formulation, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := []formulations.Formulation{}
	for _, f := range s.sorted() {
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(f.Name), strings.ToLower(filter.Search)) {
			continue
		}
		items = append(items, f)
	}
	total := len(items)
	if filter.Offset > 0 && filter.Offset < len(items) {
		items = items[filter.Offset:]
	} else if filter.Offset >= len(items) && filter.Offset > 0 {
		items = []formulations.Formulation{}
	}
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, total, nil
}

func (s *Store) sorted() []formulations.Formulation {
	out := make([]formulations.Formulation, 0, len(s.items))
	for _, f := range s.items {
		out = append(out, clone(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clone(f formulations.Formulation) formulations.Formulation {
	f.Ingredients = append([]costing.Ingredient{}, f.Ingredients...)
	return f
}

type memoryTx struct {
	s *Store
}

func (tx *memoryTx) Insert(_ context.Context, f formulations.Formulation) (formulations.Formulation, error) {
	if tx.taken(shared.NameKey(f.Name), 0) {
		return formulations.Formulation{}, formulations.ErrDuplicateName
	}
	tx.s.nextID++
	f.ID = tx.s.nextID
	f.CreatedAt = tx.s.now
	f.UpdatedAt = tx.s.now
	f.Ingredients = []costing.Ingredient{}
	tx.s.items[f.ID] = f
	return clone(f), nil
}

func (tx *memoryTx) GetForUpdate(_ context.Context, id int64) (formulations.Formulation, error) {
	f, ok := tx.s.items[id]
	if !ok {
		return formulations.Formulation{}, formulations.ErrNotFound
	}
	return clone(f), nil
}

func (tx *memoryTx) FindByNameKey(_ context.Context, key string) (formulations.Formulation, error) {
	for _, f := range tx.s.sorted() {
		if shared.NameKey(f.Name) == key {
			return f, nil
		}
	}
	return formulations.Formulation{}, formulations.ErrNotFound
}

func (tx *memoryTx) Update(_ context.Context, f formulations.Formulation) (formulations.Formulation, error) {
	current, ok := tx.s.items[f.ID]
	if !ok {
		return formulations.Formulation{}, formulations.ErrNotFound
	}
	if tx.taken(shared.NameKey(f.Name), f.ID) {
		return formulations.Formulation{}, formulations.ErrDuplicateName
	}
	f.Ingredients = current.Ingredients
	f.UpdatedAt = tx.s.now.Add(time.Hour)
	tx.s.items[f.ID] = clone(f)
	return clone(f), nil
}

func (tx *memoryTx) ReplaceIngredients(_ context.Context, id int64, ings []costing.Ingredient) error {
	f, ok := tx.s.items[id]
	if !ok {
		return formulations.ErrNotFound
	}
	f.Ingredients = append([]costing.Ingredient{}, ings...)
	tx.s.items[id] = f
	return nil
}

func (tx *memoryTx) NameTaken(_ context.Context, key string, exceptID int64) (bool, error) {
	return tx.taken(key, exceptID), nil
}

func (tx *memoryTx) taken(key string, exceptID int64) bool {
	for id, f := range tx.s.items {
		if id != exceptID && shared.NameKey(f.Name) == key {
			return true
		}
	}
	return false
}
