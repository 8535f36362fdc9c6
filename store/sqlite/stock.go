package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-engine/loans"
)

// =============================================================================
// STOCK BOOK - loans.StockCollaborator and loans.SalesCollaborator
// =============================================================================

const stockSchema = `
	CREATE TABLE IF NOT EXISTS stock_quants (
		product_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		PRIMARY KEY (product_id, location_id)
	);

	CREATE TABLE IF NOT EXISTS stock_serials (
		product_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		serial TEXT NOT NULL,
		PRIMARY KEY (product_id, serial)
	);

	CREATE INDEX IF NOT EXISTS idx_stock_serials_location
		ON stock_serials(product_id, location_id);

	-- One row per confirmed outbound; makes ConfirmOutbound idempotent
	CREATE TABLE IF NOT EXISTS stock_confirmations (
		transfer_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		confirmed_at TEXT NOT NULL
	);

	-- Inbound returns and sales, in creation order. source_id is the intent
	-- that asked for the move; a repeated delivery returns the first reference.
	CREATE TABLE IF NOT EXISTS stock_moves (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		source_id TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_stock_moves_source
		ON stock_moves(kind, source_id) WHERE source_id != '';
`

// Stock keeps the stock book in the same database as the Store. Units on
// loan stay in the lending location's book; sales remove them.
type Stock struct {
	db  *sql.DB
	Now func() time.Time
}

var (
	_ loans.StockCollaborator = (*Stock)(nil)
	_ loans.SalesCollaborator = (*Stock)(nil)
	_ loans.TxStore           = (*Store)(nil)
)

// SetOnHand sets the book quantity of an aggregate product.
func (s *Stock) SetOnHand(ctx context.Context, product loans.ProductID, location loans.LocationID, qty decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_quants (product_id, location_id, quantity) VALUES (?, ?, ?)
		ON CONFLICT(product_id, location_id) DO UPDATE SET quantity = excluded.quantity
	`, string(product), string(location), qty.String())
	if err != nil {
		return fmt.Errorf("failed to set on hand: %w", err)
	}
	return nil
}

// AddSerials puts serial units into the book and syncs the quantity.
func (s *Stock) AddSerials(ctx context.Context, product loans.ProductID, location loans.LocationID, serials ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, serial := range serials {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_serials (product_id, location_id, serial) VALUES (?, ?, ?)
			ON CONFLICT(product_id, serial) DO UPDATE SET location_id = excluded.location_id
		`, string(product), string(location), serial)
		if err != nil {
			return fmt.Errorf("failed to add serial %s: %w", serial, err)
		}
	}
	if err := syncSerialQuantity(ctx, tx, product, location); err != nil {
		return err
	}
	return tx.Commit()
}

func syncSerialQuantity(ctx context.Context, tx *sql.Tx, product loans.ProductID, location loans.LocationID) error {
	var count int64
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stock_serials WHERE product_id = ? AND location_id = ?`,
		string(product), string(location)).Scan(&count)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_quants (product_id, location_id, quantity) VALUES (?, ?, ?)
		ON CONFLICT(product_id, location_id) DO UPDATE SET quantity = excluded.quantity
	`, string(product), string(location), decimal.NewFromInt(count).String())
	return err
}

func (s *Stock) PhysicalOnHand(ctx context.Context, product loans.ProductID, location loans.LocationID) (decimal.Decimal, error) {
	return physicalOnHand(ctx, s.db, product, location)
}

func physicalOnHand(ctx context.Context, db querier, product loans.ProductID, location loans.LocationID) (decimal.Decimal, error) {
	var qty string
	err := db.QueryRowContext(ctx,
		`SELECT quantity FROM stock_quants WHERE product_id = ? AND location_id = ?`,
		string(product), string(location)).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read on hand: %w", err)
	}
	return parseDecimal(qty), nil
}

func (s *Stock) SerialsOnHand(ctx context.Context, product loans.ProductID, location loans.LocationID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT serial FROM stock_serials WHERE product_id = ? AND location_id = ? ORDER BY serial`,
		string(product), string(location))
	if err != nil {
		return nil, fmt.Errorf("failed to query serials: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, err
		}
		out = append(out, serial)
	}
	return out, rows.Err()
}

// ConfirmOutbound checks the lines against the book and records the move.
// Repeated calls for the same transfer return the first event.
func (s *Stock) ConfirmOutbound(ctx context.Context, req loans.OutboundConfirmation) (loans.TransferConfirmedEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return loans.TransferConfirmedEvent{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var linesJSON, confirmedAt string
	err = tx.QueryRowContext(ctx,
		`SELECT lines_json, confirmed_at FROM stock_confirmations WHERE transfer_id = ?`,
		string(req.TransferID)).Scan(&linesJSON, &confirmedAt)
	if err == nil {
		ev := loans.TransferConfirmedEvent{TransferID: req.TransferID, ConfirmedAt: parseTime(confirmedAt)}
		if err := json.Unmarshal([]byte(linesJSON), &ev.Lines); err != nil {
			return loans.TransferConfirmedEvent{}, fmt.Errorf("decode confirmation: %w", err)
		}
		return ev, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return loans.TransferConfirmedEvent{}, fmt.Errorf("failed to read confirmation: %w", err)
	}

	for _, l := range req.Lines {
		if len(l.Serials) > 0 {
			for _, serial := range l.Serials {
				var n int
				err := tx.QueryRowContext(ctx,
					`SELECT COUNT(*) FROM stock_serials WHERE product_id = ? AND location_id = ? AND serial = ?`,
					string(l.Product), string(req.Source), serial).Scan(&n)
				if err != nil {
					return loans.TransferConfirmedEvent{}, err
				}
				if n == 0 {
					return loans.TransferConfirmedEvent{}, fmt.Errorf("serial %s of %s not at %s", serial, l.Product, req.Source)
				}
			}
			continue
		}
		onHand, err := physicalOnHand(ctx, tx, l.Product, req.Source)
		if err != nil {
			return loans.TransferConfirmedEvent{}, err
		}
		if l.Quantity.GreaterThan(onHand) {
			return loans.TransferConfirmedEvent{}, fmt.Errorf("only %s of %s at %s", onHand, l.Product, req.Source)
		}
	}

	ev := loans.TransferConfirmedEvent{
		TransferID:  req.TransferID,
		ConfirmedAt: s.Now(),
		Lines:       req.Lines,
	}
	lines, err := json.Marshal(ev.Lines)
	if err != nil {
		return loans.TransferConfirmedEvent{}, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_confirmations (transfer_id, source, destination, lines_json, confirmed_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(req.TransferID), string(req.Source), string(req.Destination), string(lines), formatTime(ev.ConfirmedAt))
	if err != nil {
		return loans.TransferConfirmedEvent{}, fmt.Errorf("failed to record confirmation: %w", err)
	}
	return ev, tx.Commit()
}

// CreateInboundTransfer records a return. The book is unchanged because
// loaned units never left it. Repeated calls for the same reference return
// the first move.
func (s *Stock) CreateInboundTransfer(ctx context.Context, req loans.InboundRequest) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if ref, ok, err := existingMove(ctx, tx, "inbound", req.Reference); err != nil || ok {
		return ref, err
	}
	ref, err := s.recordMove(ctx, tx, "inbound", req.Reference, "IN", req)
	if err != nil {
		return "", err
	}
	return ref, tx.Commit()
}

// CreateSale removes sold units from the book. Repeated calls for the same
// sale ID return the first reference and leave the book alone.
func (s *Stock) CreateSale(ctx context.Context, sale loans.SaleIntent) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if ref, ok, err := existingMove(ctx, tx, "sale", string(sale.ID)); err != nil || ok {
		return ref, err
	}

	if sale.Serial != "" {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM stock_serials WHERE product_id = ? AND serial = ?`,
			string(sale.Product), sale.Serial)
		if err != nil {
			return "", fmt.Errorf("failed to remove serial: %w", err)
		}
	}
	onHand, err := physicalOnHand(ctx, tx, sale.Product, sale.Location)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_quants (product_id, location_id, quantity) VALUES (?, ?, ?)
		ON CONFLICT(product_id, location_id) DO UPDATE SET quantity = excluded.quantity
	`, string(sale.Product), string(sale.Location), onHand.Sub(sale.Quantity).String())
	if err != nil {
		return "", fmt.Errorf("failed to update on hand: %w", err)
	}

	ref, err := s.recordMove(ctx, tx, "sale", string(sale.ID), "SO", sale)
	if err != nil {
		return "", err
	}
	return ref, tx.Commit()
}

func existingMove(ctx context.Context, tx *sql.Tx, kind, sourceID string) (string, bool, error) {
	if sourceID == "" {
		return "", false, nil
	}
	var ref string
	err := tx.QueryRowContext(ctx,
		`SELECT reference FROM stock_moves WHERE kind = ? AND source_id = ?`,
		kind, sourceID).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s move: %w", kind, err)
	}
	return ref, true, nil
}

func (s *Stock) recordMove(ctx context.Context, tx *sql.Tx, kind, sourceID, prefix string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO stock_moves (kind, source_id, reference, payload, created_at) VALUES (?, ?, '', ?, ?)`,
		kind, sourceID, string(data), formatTime(s.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to record %s: %w", kind, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	ref := fmt.Sprintf("%s/%05d", prefix, seq)
	if _, err := tx.ExecContext(ctx, `UPDATE stock_moves SET reference = ? WHERE seq = ?`, ref, seq); err != nil {
		return "", err
	}
	return ref, nil
}

// Inbound returns the recorded returns in creation order.
func (s *Stock) Inbound(ctx context.Context) ([]loans.InboundRequest, error) {
	var out []loans.InboundRequest
	err := s.moves(ctx, "inbound", func(payload []byte) error {
		var req loans.InboundRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return err
		}
		out = append(out, req)
		return nil
	})
	return out, err
}

// Sales returns the recorded sales in creation order.
func (s *Stock) Sales(ctx context.Context) ([]loans.SaleIntent, error) {
	var out []loans.SaleIntent
	err := s.moves(ctx, "sale", func(payload []byte) error {
		var sale loans.SaleIntent
		if err := json.Unmarshal(payload, &sale); err != nil {
			return err
		}
		out = append(out, sale)
		return nil
	})
	return out, err
}

func (s *Stock) moves(ctx context.Context, kind string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM stock_moves WHERE kind = ? ORDER BY seq`, kind)
	if err != nil {
		return fmt.Errorf("failed to query stock moves: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		if err := fn([]byte(payload)); err != nil {
			return err
		}
	}
	return rows.Err()
}
