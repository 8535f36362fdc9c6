// Package store provides in-memory implementations of the loan engine's
// persistence and stock contracts.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/loan-engine/loans"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements loans.TxStore with maps guarded by one RWMutex.
type Memory struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	products  map[loans.ProductID]loans.Product
	locations map[loans.LocationID]loans.Location
	borrowers map[loans.BorrowerID]loans.Borrower
	transfers map[loans.TransferID]loans.LoanTransfer
	movements map[loans.MovementID]loans.Movement
	details   map[loans.DetailID]loans.TrackingDetail
	intents   map[loans.IntentID]loans.Intent
	seq       int64 // insertion order for intents
	order     map[loans.IntentID]int64
}

func newMemState() *memState {
	return &memState{
		products:  make(map[loans.ProductID]loans.Product),
		locations: make(map[loans.LocationID]loans.Location),
		borrowers: make(map[loans.BorrowerID]loans.Borrower),
		transfers: make(map[loans.TransferID]loans.LoanTransfer),
		movements: make(map[loans.MovementID]loans.Movement),
		details:   make(map[loans.DetailID]loans.TrackingDetail),
		intents:   make(map[loans.IntentID]loans.Intent),
		order:     make(map[loans.IntentID]int64),
	}
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(loans.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.locations {
		c.locations[k] = v
	}
	for k, v := range s.borrowers {
		c.borrowers[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	for k, v := range s.movements {
		c.movements[k] = v
	}
	for k, v := range s.details {
		c.details[k] = v
	}
	for k, v := range s.intents {
		c.intents[k] = v
	}
	for k, v := range s.order {
		c.order[k] = v
	}
	c.seq = s.seq
	return c
}

// read runs fn under the read lock.
func (m *Memory) read(fn func(s *memState) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

// write runs fn under the write lock.
func (m *Memory) write(fn func(s *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

// =============================================================================
// LOCKED WRAPPERS - loans.Store outside a transaction
// =============================================================================

func (m *Memory) SaveProduct(ctx context.Context, p loans.Product) error {
	return m.write(func(s *memState) error { return s.SaveProduct(ctx, p) })
}

func (m *Memory) GetProduct(ctx context.Context, id loans.ProductID) (p loans.Product, err error) {
	err = m.read(func(s *memState) error { p, err = s.GetProduct(ctx, id); return err })
	return p, err
}

func (m *Memory) ListProducts(ctx context.Context) (out []loans.Product, err error) {
	err = m.read(func(s *memState) error { out, err = s.ListProducts(ctx); return err })
	return out, err
}

func (m *Memory) SaveLocation(ctx context.Context, l loans.Location) error {
	return m.write(func(s *memState) error { return s.SaveLocation(ctx, l) })
}

func (m *Memory) GetLocation(ctx context.Context, id loans.LocationID) (l loans.Location, err error) {
	err = m.read(func(s *memState) error { l, err = s.GetLocation(ctx, id); return err })
	return l, err
}

func (m *Memory) ListLocations(ctx context.Context) (out []loans.Location, err error) {
	err = m.read(func(s *memState) error { out, err = s.ListLocations(ctx); return err })
	return out, err
}

func (m *Memory) SaveBorrower(ctx context.Context, b loans.Borrower) error {
	return m.write(func(s *memState) error { return s.SaveBorrower(ctx, b) })
}

func (m *Memory) GetBorrower(ctx context.Context, id loans.BorrowerID) (b loans.Borrower, err error) {
	err = m.read(func(s *memState) error { b, err = s.GetBorrower(ctx, id); return err })
	return b, err
}

func (m *Memory) ListBorrowers(ctx context.Context) (out []loans.Borrower, err error) {
	err = m.read(func(s *memState) error { out, err = s.ListBorrowers(ctx); return err })
	return out, err
}

func (m *Memory) CreateTransfer(ctx context.Context, t loans.LoanTransfer) error {
	return m.write(func(s *memState) error { return s.CreateTransfer(ctx, t) })
}

func (m *Memory) UpdateTransfer(ctx context.Context, t loans.LoanTransfer) error {
	return m.write(func(s *memState) error { return s.UpdateTransfer(ctx, t) })
}

func (m *Memory) GetTransfer(ctx context.Context, id loans.TransferID) (t loans.LoanTransfer, err error) {
	err = m.read(func(s *memState) error { t, err = s.GetTransfer(ctx, id); return err })
	return t, err
}

func (m *Memory) ListTransfers(ctx context.Context, f loans.TransferFilter) (out []loans.LoanTransfer, err error) {
	err = m.read(func(s *memState) error { out, err = s.ListTransfers(ctx, f); return err })
	return out, err
}

func (m *Memory) CreateMovement(ctx context.Context, mv loans.Movement) error {
	return m.write(func(s *memState) error { return s.CreateMovement(ctx, mv) })
}

func (m *Memory) UpdateMovement(ctx context.Context, mv loans.Movement) error {
	return m.write(func(s *memState) error { return s.UpdateMovement(ctx, mv) })
}

func (m *Memory) ListMovements(ctx context.Context, f loans.MovementFilter) (out []loans.Movement, err error) {
	err = m.read(func(s *memState) error { out, err = s.ListMovements(ctx, f); return err })
	return out, err
}

func (m *Memory) CreateDetail(ctx context.Context, d loans.TrackingDetail) error {
	return m.write(func(s *memState) error { return s.CreateDetail(ctx, d) })
}

func (m *Memory) UpdateDetail(ctx context.Context, d loans.TrackingDetail) error {
	return m.write(func(s *memState) error { return s.UpdateDetail(ctx, d) })
}

func (m *Memory) GetDetail(ctx context.Context, id loans.DetailID) (d loans.TrackingDetail, err error) {
	err = m.read(func(s *memState) error { d, err = s.GetDetail(ctx, id); return err })
	return d, err
}

func (m *Memory) ListDetails(ctx context.Context, f loans.DetailFilter) (out []loans.TrackingDetail, err error) {
	err = m.read(func(s *memState) error { out, err = s.ListDetails(ctx, f); return err })
	return out, err
}

func (m *Memory) AppendIntents(ctx context.Context, intents []loans.Intent) error {
	return m.write(func(s *memState) error { return s.AppendIntents(ctx, intents) })
}

func (m *Memory) PendingIntents(ctx context.Context, limit int) (out []loans.Intent, err error) {
	err = m.read(func(s *memState) error { out, err = s.PendingIntents(ctx, limit); return err })
	return out, err
}

func (m *Memory) UpdateIntent(ctx context.Context, in loans.Intent) error {
	return m.write(func(s *memState) error { return s.UpdateIntent(ctx, in) })
}

// Intents returns every intent in insertion order. For tests and admin views.
func (m *Memory) Intents() []loans.Intent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.sortedIntents(func(loans.Intent) bool { return true }, 0)
}

// =============================================================================
// UNLOCKED STATE - loans.Store inside a transaction
// =============================================================================

func notFound(kind, id string) error {
	return &loans.NotFoundError{Kind: kind, ID: id}
}

func (s *memState) SaveProduct(_ context.Context, p loans.Product) error {
	s.products[p.ID] = p
	return nil
}

func (s *memState) GetProduct(_ context.Context, id loans.ProductID) (loans.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return loans.Product{}, notFound("product", string(id))
	}
	return p, nil
}

func (s *memState) ListProducts(_ context.Context) ([]loans.Product, error) {
	out := make([]loans.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) SaveLocation(_ context.Context, l loans.Location) error {
	s.locations[l.ID] = l
	return nil
}

func (s *memState) GetLocation(_ context.Context, id loans.LocationID) (loans.Location, error) {
	l, ok := s.locations[id]
	if !ok {
		return loans.Location{}, notFound("location", string(id))
	}
	return l, nil
}

func (s *memState) ListLocations(_ context.Context) ([]loans.Location, error) {
	out := make([]loans.Location, 0, len(s.locations))
	for _, l := range s.locations {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) SaveBorrower(_ context.Context, b loans.Borrower) error {
	s.borrowers[b.ID] = b
	return nil
}

func (s *memState) GetBorrower(_ context.Context, id loans.BorrowerID) (loans.Borrower, error) {
	b, ok := s.borrowers[id]
	if !ok {
		return loans.Borrower{}, notFound("borrower", string(id))
	}
	return b, nil
}

func (s *memState) ListBorrowers(_ context.Context) ([]loans.Borrower, error) {
	out := make([]loans.Borrower, 0, len(s.borrowers))
	for _, b := range s.borrowers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) CreateTransfer(_ context.Context, t loans.LoanTransfer) error {
	s.transfers[t.ID] = t
	return nil
}

func (s *memState) UpdateTransfer(_ context.Context, t loans.LoanTransfer) error {
	if _, ok := s.transfers[t.ID]; !ok {
		return notFound("transfer", string(t.ID))
	}
	s.transfers[t.ID] = t
	return nil
}

func (s *memState) GetTransfer(_ context.Context, id loans.TransferID) (loans.LoanTransfer, error) {
	t, ok := s.transfers[id]
	if !ok {
		return loans.LoanTransfer{}, notFound("transfer", string(id))
	}
	return t, nil
}

func (s *memState) ListTransfers(_ context.Context, f loans.TransferFilter) ([]loans.LoanTransfer, error) {
	var out []loans.LoanTransfer
	for _, t := range s.transfers {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *memState) CreateMovement(_ context.Context, m loans.Movement) error {
	m.Serials = append([]string(nil), m.Serials...)
	s.movements[m.ID] = m
	return nil
}

func (s *memState) UpdateMovement(_ context.Context, m loans.Movement) error {
	if _, ok := s.movements[m.ID]; !ok {
		return notFound("movement", string(m.ID))
	}
	m.Serials = append([]string(nil), m.Serials...)
	s.movements[m.ID] = m
	return nil
}

func (s *memState) ListMovements(_ context.Context, f loans.MovementFilter) ([]loans.Movement, error) {
	var out []loans.Movement
	for _, m := range s.movements {
		if f.Matches(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) CreateDetail(_ context.Context, d loans.TrackingDetail) error {
	if _, ok := s.details[d.ID]; ok {
		return loans.ErrInvariantViolation
	}
	if _, ok := s.transfers[d.TransferID]; !ok {
		return notFound("transfer", string(d.TransferID))
	}
	s.details[d.ID] = d
	return nil
}

func (s *memState) UpdateDetail(_ context.Context, d loans.TrackingDetail) error {
	if _, ok := s.details[d.ID]; !ok {
		return notFound("detail", string(d.ID))
	}
	s.details[d.ID] = d
	return nil
}

func (s *memState) GetDetail(_ context.Context, id loans.DetailID) (loans.TrackingDetail, error) {
	d, ok := s.details[id]
	if !ok {
		return loans.TrackingDetail{}, notFound("detail", string(id))
	}
	return d, nil
}

func (s *memState) ListDetails(_ context.Context, f loans.DetailFilter) ([]loans.TrackingDetail, error) {
	var out []loans.TrackingDetail
	for _, d := range s.details {
		if f.Matches(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoanedAt.Equal(out[j].LoanedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LoanedAt.Before(out[j].LoanedAt)
	})
	return out, nil
}

// AppendIntents ignores intents whose ID already exists.
func (s *memState) AppendIntents(_ context.Context, intents []loans.Intent) error {
	for _, in := range intents {
		if _, ok := s.intents[in.ID]; ok {
			continue
		}
		s.seq++
		s.intents[in.ID] = in
		s.order[in.ID] = s.seq
	}
	return nil
}

func (s *memState) PendingIntents(_ context.Context, limit int) ([]loans.Intent, error) {
	return s.sortedIntents(func(in loans.Intent) bool { return in.Status == loans.IntentPending }, limit), nil
}

func (s *memState) UpdateIntent(_ context.Context, in loans.Intent) error {
	if _, ok := s.intents[in.ID]; !ok {
		return notFound("intent", string(in.ID))
	}
	s.intents[in.ID] = in
	return nil
}

func (s *memState) sortedIntents(keep func(loans.Intent) bool, limit int) []loans.Intent {
	var out []loans.Intent
	for _, in := range s.intents {
		if keep(in) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
