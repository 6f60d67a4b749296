// Package packagingtest provides an in-memory packaging store.
package packagingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spicemill/spicemill/internal/packaging"
)

// Store implements packaging.RepositoryPort with rollback on error.
type Store struct {
	mu        sync.Mutex
	bulks     map[int64]packaging.Bulk
	sessions  map[int64]packaging.Session
	items     map[int64]packaging.Item
	nextID    int64
	nextItem  int64
	createdAt time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		bulks:     map[int64]packaging.Bulk{},
		sessions:  map[int64]packaging.Session{},
		items:     map[int64]packaging.Item{},
		createdAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

// AddBatch registers a production batch's bulk.
func (s *Store) AddBatch(b packaging.Bulk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulks[b.BatchID] = b
}

// WithTx runs fn against a transactional view of the store.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, packaging.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RunTx(func(tx packaging.TxRepository) error { return fn(ctx, tx) })
}

// RunTx is WithTx for callers that already coordinate locking.
func (s *Store) RunTx(fn func(packaging.TxRepository) error) error {
	sessions := make(map[int64]packaging.Session, len(s.sessions))
	for k, v := range s.sessions {
		sessions[k] = v
	}
	items := make(map[int64]packaging.Item, len(s.items))
	for k, v := range s.items {
		items[k] = v
	}
	nextID, nextItem := s.nextID, s.nextItem
	if err := fn(&memoryTx{s: s}); err != nil {
		s.sessions, s.items = sessions, items
		s.nextID, s.nextItem = nextID, nextItem
		return err
	}
	return nil
}

// GetSession implements packaging.RepositoryPort.
func (s *Store) GetSession(_ context.Context, id int64) (packaging.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return packaging.Session{}, packaging.ErrNotFound
	}
	session.Items = s.itemsWhere(func(it packaging.Item) bool { return it.SessionID == id })
	return session, nil
}

// Stock implements packaging.RepositoryPort.
func (s *Store) Stock(_ context.Context, batchID int64) (packaging.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bulk, ok := s.bulks[batchID]
	if !ok {
		return packaging.Stock{}, packaging.ErrBatchNotFound
	}
	packed, loss := s.used(batchID)
	return packaging.Stock{
		Bulk:           bulk,
		PackedQuantity: packed,
		LossQuantity:   loss,
		Remaining:      packaging.Remaining(bulk.FinalQuantity, packed, loss),
		Items:          s.itemsWhere(func(it packaging.Item) bool { return it.BatchID == batchID }),
	}, nil
}

// Item implements packaging.RepositoryPort.
func (s *Store) Item(_ context.Context, id int64) (packaging.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return packaging.Item{}, packaging.ErrItemNotFound
	}
	return it, nil
}

// Available implements packaging.RepositoryPort.
func (s *Store) Available(_ context.Context) ([]packaging.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsWhere(func(it packaging.Item) bool { return it.Available() > 0 }), nil
}

func (s *Store) used(batchID int64) (float64, float64) {
	var packed, loss float64
	for _, it := range s.items {
		if it.BatchID == batchID {
			packed += it.BulkQuantity
		}
	}
	for _, session := range s.sessions {
		if session.BatchID == batchID {
			loss += session.LossQuantity
		}
	}
	return packed, loss
}

func (s *Store) itemsWhere(keep func(packaging.Item) bool) []packaging.Item {
	out := []packaging.Item{}
	for _, it := range s.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memoryTx struct {
	s *Store
}

func (tx *memoryTx) GetBulkForUpdate(_ context.Context, batchID int64) (packaging.Bulk, error) {
	b, ok := tx.s.bulks[batchID]
	if !ok {
		return packaging.Bulk{}, packaging.ErrBatchNotFound
	}
	return b, nil
}

func (tx *memoryTx) UsedBulk(_ context.Context, batchID int64) (float64, float64, error) {
	packed, loss := tx.s.used(batchID)
	return packed, loss, nil
}

func (tx *memoryTx) InsertSession(_ context.Context, session packaging.Session) (packaging.Session, error) {
	tx.s.nextID++
	session.ID = tx.s.nextID
	session.CreatedAt = tx.s.createdAt
	session.Items = nil
	tx.s.sessions[session.ID] = session
	return session, nil
}

func (tx *memoryTx) InsertItems(_ context.Context, sessionID, batchID int64, items []packaging.Item) ([]packaging.Item, error) {
	out := make([]packaging.Item, 0, len(items))
	for _, it := range items {
		tx.s.nextItem++
		it.ID = tx.s.nextItem
		it.SessionID = sessionID
		it.BatchID = batchID
		it.SoldCount = 0
		tx.s.items[it.ID] = it
		out = append(out, it)
	}
	return out, nil
}

func (tx *memoryTx) GetItemForUpdate(_ context.Context, itemID int64) (packaging.Item, error) {
	it, ok := tx.s.items[itemID]
	if !ok {
		return packaging.Item{}, packaging.ErrItemNotFound
	}
	return it, nil
}

func (tx *memoryTx) AddSold(_ context.Context, itemID int64, count int) error {
	it, ok := tx.s.items[itemID]
	if !ok {
		return packaging.ErrItemNotFound
	}
	it.SoldCount += count
	tx.s.items[itemID] = it
	return nil
}
