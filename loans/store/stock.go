package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-engine/loans"
)

// =============================================================================
// MEMORY STOCK - reference stock and sales collaborator
// =============================================================================

// MemoryStock keeps a stock book per (product, location). Units on loan stay
// in the lending location's book; sales remove them. It implements
// loans.StockCollaborator and loans.SalesCollaborator.
type MemoryStock struct {
	mu        sync.Mutex
	onHand    map[stockKey]decimal.Decimal
	serials   map[stockKey]map[string]bool
	confirmed map[loans.TransferID]loans.TransferConfirmedEvent
	inbound   []loans.InboundRequest
	sales     []loans.SaleIntent
	refs      map[string]string // "<prefix>/<source id>" -> reference
	seq       int

	Now func() time.Time
}

type stockKey struct {
	Product  loans.ProductID
	Location loans.LocationID
}

// NewMemoryStock creates an empty stock book.
func NewMemoryStock() *MemoryStock {
	return &MemoryStock{
		onHand:    make(map[stockKey]decimal.Decimal),
		serials:   make(map[stockKey]map[string]bool),
		confirmed: make(map[loans.TransferID]loans.TransferConfirmedEvent),
		refs:      make(map[string]string),
		Now:       time.Now,
	}
}

// SetOnHand sets the book quantity of an aggregate product.
func (m *MemoryStock) SetOnHand(product loans.ProductID, location loans.LocationID, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHand[stockKey{product, location}] = qty
}

// AddSerials puts serial units into the book.
func (m *MemoryStock) AddSerials(product loans.ProductID, location loans.LocationID, serials ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := stockKey{product, location}
	if m.serials[k] == nil {
		m.serials[k] = make(map[string]bool)
	}
	for _, s := range serials {
		m.serials[k][s] = true
	}
	m.onHand[k] = decimal.NewFromInt(int64(len(m.serials[k])))
}

func (m *MemoryStock) PhysicalOnHand(_ context.Context, product loans.ProductID, location loans.LocationID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onHand[stockKey{product, location}], nil
}

func (m *MemoryStock) SerialsOnHand(_ context.Context, product loans.ProductID, location loans.LocationID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for s := range m.serials[stockKey{product, location}] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// ConfirmOutbound checks the lines against the book and records the move.
// Repeated calls for the same transfer return the first event.
func (m *MemoryStock) ConfirmOutbound(_ context.Context, req loans.OutboundConfirmation) (loans.TransferConfirmedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev, ok := m.confirmed[req.TransferID]; ok {
		return ev, nil
	}
	for _, l := range req.Lines {
		k := stockKey{l.Product, req.Source}
		if len(l.Serials) > 0 {
			for _, s := range l.Serials {
				if !m.serials[k][s] {
					return loans.TransferConfirmedEvent{}, fmt.Errorf("serial %s of %s not at %s", s, l.Product, req.Source)
				}
			}
			continue
		}
		if l.Quantity.GreaterThan(m.onHand[k]) {
			return loans.TransferConfirmedEvent{}, fmt.Errorf("only %s of %s at %s", m.onHand[k], l.Product, req.Source)
		}
	}

	ev := loans.TransferConfirmedEvent{
		TransferID:  req.TransferID,
		ConfirmedAt: m.Now(),
		Lines:       req.Lines,
	}
	m.confirmed[req.TransferID] = ev
	return ev, nil
}

// CreateInboundTransfer records a return. The book is unchanged because
// loaned units never left it. Repeated calls for the same reference return
// the first move.
func (m *MemoryStock) CreateInboundTransfer(_ context.Context, req loans.InboundRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref, ok := m.refs["IN/"+req.Reference]; ok && req.Reference != "" {
		return ref, nil
	}
	m.inbound = append(m.inbound, req)
	return m.nextRef("IN", req.Reference), nil
}

// CreateSale removes sold units from the book. Repeated calls for the same
// sale ID return the first reference and leave the book alone.
func (m *MemoryStock) CreateSale(_ context.Context, sale loans.SaleIntent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref, ok := m.refs["SO/"+string(sale.ID)]; ok && sale.ID != "" {
		return ref, nil
	}
	k := stockKey{sale.Product, sale.Location}
	if sale.Serial != "" {
		delete(m.serials[k], sale.Serial)
	}
	m.onHand[k] = m.onHand[k].Sub(sale.Quantity)
	m.sales = append(m.sales, sale)
	return m.nextRef("SO", string(sale.ID)), nil
}

func (m *MemoryStock) nextRef(prefix, sourceID string) string {
	m.seq++
	ref := fmt.Sprintf("%s/%05d", prefix, m.seq)
	if sourceID != "" {
		m.refs[prefix+"/"+sourceID] = ref
	}
	return ref
}

// Inbound returns the recorded returns.
func (m *MemoryStock) Inbound() []loans.InboundRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]loans.InboundRequest(nil), m.inbound...)
}

// Sales returns the recorded sales.
func (m *MemoryStock) Sales() []loans.SaleIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]loans.SaleIntent(nil), m.sales...)
}
