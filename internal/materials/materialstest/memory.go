// Package materialstest provides an in-memory materials store for tests of
// packages that consume stock.
package materialstest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spicemill/spicemill/internal/ledger"
	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/shared"
)

// Store implements materials.RepositoryPort. WithTx rolls back every change
// made by a failing callback.
type Store struct {
	mu         sync.Mutex
	materials  map[int64]materials.Material
	balances   map[int64]ledger.Balance
	movements  []ledger.Movement
	referenced map[int64]bool
	consumed   map[int64]bool
	nextID     int64
	nextMove   int64
	now        time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		materials:  map[int64]materials.Material{},
		balances:   map[int64]ledger.Balance{},
		referenced: map[int64]bool{},
		consumed:   map[int64]bool{},
		now:        time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

// Seed stores m as-is, assigning an id when zero. A positive AvailableStock
// is booked as an opening purchase so ledger and balance agree.
func (s *Store) Seed(m materials.Material) materials.Material {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		s.nextID++
		m.ID = s.nextID
	} else if m.ID > s.nextID {
		s.nextID = m.ID
	}
	s.balances[m.ID] = ledger.Balance{MaterialID: m.ID, Quantity: m.AvailableStock}
	if m.AvailableStock > 0 {
		s.nextMove++
		s.movements = append(s.movements, ledger.Movement{
			ID:         s.nextMove,
			MaterialID: m.ID,
			Action:     ledger.ActionAdd,
			Quantity:   m.AvailableStock,
			Reason:     ledger.ReasonPurchase,
			Reference:  "opening stock",
			CreatedAt:  s.now,
		})
	}
	m.AvailableStock = 0
	s.materials[m.ID] = m
	return s.withBalance(m)
}

// SetBalance overwrites the materialised balance, simulating drift.
func (s *Store) SetBalance(id int64, qty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[id] = ledger.Balance{MaterialID: id, Quantity: qty}
}

// MarkReferenced flags a material as used by a formulation ingredient.
func (s *Store) MarkReferenced(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referenced[id] = true
}

// MarkConsumed flags a material as recorded in a production batch usage.
// Deleting it then fails the way the material_usages foreign key does.
func (s *Store) MarkConsumed(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed[id] = true
}

// Movements returns a copy of every movement.
func (s *Store) Movements() []ledger.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Movement, len(s.movements))
	copy(out, s.movements)
	return out
}

// WithTx runs fn against a transactional view of the store.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, materials.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RunTx(func(tx materials.TxRepository) error { return fn(ctx, tx) })
}

// RunTx is WithTx for callers that already coordinate locking, such as
// fakes of other repositories sharing one transaction.
func (s *Store) RunTx(fn func(materials.TxRepository) error) error {
	snap := s.snapshot()
	if err := fn(&memoryTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	materials map[int64]materials.Material
	balances  map[int64]ledger.Balance
	movements []ledger.Movement
	nextID    int64
	nextMove  int64
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		materials: make(map[int64]materials.Material, len(s.materials)),
		balances:  make(map[int64]ledger.Balance, len(s.balances)),
		movements: append([]ledger.Movement(nil), s.movements...),
		nextID:    s.nextID,
		nextMove:  s.nextMove,
	}
	for k, v := range s.materials {
		snap.materials[k] = v
	}
	for k, v := range s.balances {
		snap.balances[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.materials = snap.materials
	s.balances = snap.balances
	s.movements = snap.movements
	s.nextID = snap.nextID
	s.nextMove = snap.nextMove
}

func (s *Store) withBalance(m materials.Material) materials.Material {
	m.AvailableStock = s.balances[m.ID].Quantity
	return m
}

// Get implements materials.RepositoryPort.
func (s *Store) Get(_ context.Context, id int64) (materials.Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.materials[id]
	if !ok {
		return materials.Material{}, materials.ErrMaterialNotFound
	}
	return s.withBalance(m), nil
}

// List implements materials.RepositoryPort.
func (s *Store) List(_ context.Context, filter materials.ListFilter) ([]materials.Material, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := []materials.Material{}
	for _, m := range s.sorted() {
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(m.Name), strings.ToLower(filter.Search)) {
			continue
		}
		items = append(items, s.withBalance(m))
	}
	total := len(items)
	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			items = []materials.Material{}
		} else {
			items = items[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, total, nil
}

// ListByIDs implements materials.RepositoryPort.
func (s *Store) ListByIDs(_ context.Context, ids []int64) ([]materials.Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []materials.Material{}
	for _, id := range ids {
		if m, ok := s.materials[id]; ok {
			out = append(out, s.withBalance(m))
		}
	}
	return out, nil
}

// ListMovements implements materials.RepositoryPort.
func (s *Store) ListMovements(_ context.Context, materialID int64) ([]ledger.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.movementsOf(materialID), nil
}

// LowStock implements materials.RepositoryPort.
func (s *Store) LowStock(_ context.Context) ([]materials.Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []materials.Material{}
	for _, m := range s.sorted() {
		m = s.withBalance(m)
		if m.Status == "active" && m.BelowMinimum() {
			out = append(out, m)
		}
	}
	return out, nil
}

// IDs implements materials.RepositoryPort.
func (s *Store) IDs(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []int64{}
	for _, m := range s.sorted() {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *Store) sorted() []materials.Material {
	out := make([]materials.Material, 0, len(s.materials))
	for _, m := range s.materials {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) movementsOf(id int64) []ledger.Movement {
	out := []ledger.Movement{}
	for _, mv := range s.movements {
		if mv.MaterialID == id {
			out = append(out, mv)
		}
	}
	return out
}

type memoryTx struct {
	s *Store
}

func (tx *memoryTx) Insert(_ context.Context, m materials.Material) (materials.Material, error) {
	tx.s.nextID++
	m.ID = tx.s.nextID
	m.CreatedAt = tx.s.now
	m.UpdatedAt = tx.s.now
	tx.s.materials[m.ID] = m
	return m, nil
}

func (tx *memoryTx) GetForUpdate(_ context.Context, id int64) (materials.Material, error) {
	m, ok := tx.s.materials[id]
	if !ok {
		return materials.Material{}, materials.ErrMaterialNotFound
	}
	return tx.s.withBalance(m), nil
}

func (tx *memoryTx) Update(_ context.Context, m materials.Material) (materials.Material, error) {
	if _, ok := tx.s.materials[m.ID]; !ok {
		return materials.Material{}, materials.ErrMaterialNotFound
	}
	stored := m
	stored.AvailableStock = 0
	tx.s.materials[m.ID] = stored
	return m, nil
}

func (tx *memoryTx) Delete(_ context.Context, id int64) error {
	if _, ok := tx.s.materials[id]; !ok {
		return materials.ErrMaterialNotFound
	}
	if tx.s.consumed[id] {
		return materials.ErrMaterialInUse
	}
	delete(tx.s.materials, id)
	delete(tx.s.balances, id)
	kept := tx.s.movements[:0]
	for _, mv := range tx.s.movements {
		if mv.MaterialID != id {
			kept = append(kept, mv)
		}
	}
	tx.s.movements = kept
	return nil
}

func (tx *memoryTx) HasMovements(_ context.Context, id int64) (bool, error) {
	return len(tx.s.movementsOf(id)) > 0, nil
}

func (tx *memoryTx) InFormulations(_ context.Context, id int64) (bool, error) {
	return tx.s.referenced[id], nil
}

func (tx *memoryTx) NameTaken(_ context.Context, key string, exceptID int64) (bool, error) {
	for id, m := range tx.s.materials {
		if id != exceptID && shared.NameKey(m.Name) == key {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) InsertMovement(_ context.Context, mv ledger.Movement) (ledger.Movement, error) {
	if _, ok := tx.s.materials[mv.MaterialID]; !ok {
		return ledger.Movement{}, materials.ErrMaterialNotFound
	}
	tx.s.nextMove++
	mv.ID = tx.s.nextMove
	mv.CreatedAt = tx.s.now.Add(time.Duration(mv.ID) * time.Minute)
	tx.s.movements = append(tx.s.movements, mv)
	return mv, nil
}

func (tx *memoryTx) ListMovements(_ context.Context, materialID int64) ([]ledger.Movement, error) {
	return tx.s.movementsOf(materialID), nil
}

func (tx *memoryTx) GetBalanceForUpdate(_ context.Context, materialID int64) (ledger.Balance, error) {
	bal, ok := tx.s.balances[materialID]
	if !ok {
		return ledger.Balance{MaterialID: materialID}, materials.ErrBalanceNotFound
	}
	return bal, nil
}

func (tx *memoryTx) UpsertBalance(_ context.Context, b ledger.Balance) error {
	tx.s.balances[b.MaterialID] = b
	return nil
}
