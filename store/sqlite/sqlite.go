/*
Package sqlite provides a SQLite-backed implementation of the loan engine's
storage and stock interfaces.

PURPOSE:
  Implements loans.TxStore (catalog, transfers, movements, tracking details,
  outbox) and a reference stock book (Stock) on one SQLite database. In
  production, the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  products, locations, borrowers: Catalog
  loan_transfers:                 One row per loan, with sweep/reminder state
  loan_movements:                 Transfer lines; committed rows are reservations
  tracking_details:               Per-unit / per-batch ledger, lineage via parent_id
  intents:                        Outbox, ordered by seq
  stock_*:                        Stock book (see stock.go)

ENCODING:
  Decimals are stored as TEXT (decimal.String) so nothing is lost to floats.
  Times are stored as fixed-width UTC TEXT so string order is time order.

CONCURRENCY:
  The pool is capped at one connection. SQLite has a single writer anyway,
  and a ":memory:" database exists per connection. Callers must not use the
  parent Store from inside WithTx: the transaction holds the only connection.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

USAGE:
  store, err := sqlite.New("./data/loans.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loans.NewEngine(store, store.Stock(), locker, cfg, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loans/store.go: Interface definitions
  - loans/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-engine/loans"
)

// timeLayout is fixed width so TEXT comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements loans.TxStore using SQLite.
type Store struct {
	*queries
	db    *sql.DB
	stock *Stock
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements loans.Store on top of a querier.
type queries struct {
	db querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{db: db}, db: db, stock: &Stock{db: db, Now: time.Now}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stock returns the stock book sharing this database.
func (s *Store) Stock() *Stock {
	return s.stock
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		tracking TEXT NOT NULL,
		standard_cost TEXT NOT NULL,
		list_price TEXT NOT NULL,
		allow_loans INTEGER NOT NULL,
		min_loan_qty TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		usage TEXT NOT NULL,
		borrower_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_locations_usage
		ON locations(usage, borrower_id);

	CREATE TABLE IF NOT EXISTS borrowers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		max_loan_items INTEGER NOT NULL DEFAULT 0,
		max_loan_value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS loan_transfers (
		id TEXT PRIMARY KEY,
		borrower_id TEXT NOT NULL,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		state TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		confirmed_at TEXT,
		expected_return TEXT NOT NULL,
		trial_end TEXT,
		bypass_justification TEXT,
		notes TEXT,
		last_swept_at TEXT,
		reminder_count INTEGER NOT NULL DEFAULT 0,
		next_reminder_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_borrower_created
		ON loan_transfers(borrower_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transfers_state
		ON loan_transfers(state);

	CREATE TABLE IF NOT EXISTS loan_movements (
		id TEXT PRIMARY KEY,
		transfer_id TEXT NOT NULL REFERENCES loan_transfers(id),
		product_id TEXT NOT NULL,
		source TEXT NOT NULL,
		quantity TEXT NOT NULL,
		serials_json TEXT,
		state TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_transfer
		ON loan_movements(transfer_id);
	-- Reservation lookups (hot path of availability)
	CREATE INDEX IF NOT EXISTS idx_movements_product_source_state
		ON loan_movements(product_id, source, state);

	CREATE TABLE IF NOT EXISTS tracking_details (
		id TEXT PRIMARY KEY,
		transfer_id TEXT NOT NULL REFERENCES loan_transfers(id),
		parent_id TEXT,
		product_id TEXT NOT NULL,
		serial TEXT,
		quantity TEXT NOT NULL,
		status TEXT NOT NULL,
		borrower_id TEXT NOT NULL,
		source_location TEXT NOT NULL,
		loaned_at TEXT NOT NULL,
		resolved_at TEXT,
		unit_cost TEXT NOT NULL,
		sale_price TEXT,
		sale_ref TEXT,
		return_ref TEXT,
		changed_by TEXT,
		changed_at TEXT NOT NULL,
		notes TEXT,
		return_condition_notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_details_transfer
		ON tracking_details(transfer_id);
	-- On-loan lookups (hot path of availability)
	CREATE INDEX IF NOT EXISTS idx_details_product_source_status
		ON tracking_details(product_id, source_location, status);
	CREATE INDEX IF NOT EXISTS idx_details_serial
		ON tracking_details(serial) WHERE serial IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_details_borrower_loaned
		ON tracking_details(borrower_id, loaned_at);

	CREATE TABLE IF NOT EXISTS intents (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		transfer_id TEXT,
		detail_id TEXT,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		external_ref TEXT,
		created_at TEXT NOT NULL,
		dispatched_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_intents_status
		ON intents(status, seq);
	` + stockSchema

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all rows. Used by the scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"intents", "tracking_details", "loan_movements", "loan_transfers",
		"borrowers", "locations", "products",
		"stock_moves", "stock_confirmations", "stock_serials", "stock_quants",
	}
	return s.withTx(ctx, func(loans.Store) error { return nil }, tables...)
}

// =============================================================================
// TRANSACTIONAL STORE (loans.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loans.Store) error) error {
	return s.withTx(ctx, fn)
}

// withTx empties the truncate tables first, inside the same transaction.
func (s *Store) withTx(ctx context.Context, fn func(store loans.Store) error, truncate ...string) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, table := range truncate {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// CATALOG STORE
// =============================================================================

func (q *queries) SaveProduct(ctx context.Context, p loans.Product) error {
	query := `
		INSERT INTO products (id, name, tracking, standard_cost, list_price, allow_loans, min_loan_qty)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			tracking = excluded.tracking,
			standard_cost = excluded.standard_cost,
			list_price = excluded.list_price,
			allow_loans = excluded.allow_loans,
			min_loan_qty = excluded.min_loan_qty
	`
	_, err := q.db.ExecContext(ctx, query,
		string(p.ID), p.Name, string(p.Tracking),
		p.StandardCost.String(), p.ListPrice.String(), p.AllowLoans, p.MinLoanQty.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

const productColumns = `id, name, tracking, standard_cost, list_price, allow_loans, min_loan_qty`

func scanProduct(row scanner) (loans.Product, error) {
	var (
		p                      loans.Product
		cost, price, minLoanQt string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Tracking, &cost, &price, &p.AllowLoans, &minLoanQt); err != nil {
		return p, err
	}
	p.StandardCost = parseDecimal(cost)
	p.ListPrice = parseDecimal(price)
	p.MinLoanQty = parseDecimal(minLoanQt)
	return p, nil
}

func (q *queries) GetProduct(ctx context.Context, id loans.ProductID) (loans.Product, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, string(id))
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, notFound("product", string(id))
	}
	return p, err
}

func (q *queries) ListProducts(ctx context.Context) ([]loans.Product, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var out []loans.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *queries) SaveLocation(ctx context.Context, l loans.Location) error {
	query := `
		INSERT INTO locations (id, name, usage, borrower_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			usage = excluded.usage,
			borrower_id = excluded.borrower_id
	`
	_, err := q.db.ExecContext(ctx, query,
		string(l.ID), l.Name, string(l.Usage), nullString(string(l.Borrower)))
	if err != nil {
		return fmt.Errorf("failed to save location: %w", err)
	}
	return nil
}

func scanLocation(row scanner) (loans.Location, error) {
	var (
		l        loans.Location
		borrower sql.NullString
	)
	if err := row.Scan(&l.ID, &l.Name, &l.Usage, &borrower); err != nil {
		return l, err
	}
	l.Borrower = loans.BorrowerID(borrower.String)
	return l, nil
}

func (q *queries) GetLocation(ctx context.Context, id loans.LocationID) (loans.Location, error) {
	row := q.db.QueryRowContext(ctx, `SELECT id, name, usage, borrower_id FROM locations WHERE id = ?`, string(id))
	l, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return l, notFound("location", string(id))
	}
	return l, err
}

func (q *queries) ListLocations(ctx context.Context) ([]loans.Location, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name, usage, borrower_id FROM locations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var out []loans.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q *queries) SaveBorrower(ctx context.Context, b loans.Borrower) error {
	query := `
		INSERT INTO borrowers (id, name, email, max_loan_items, max_loan_value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			max_loan_items = excluded.max_loan_items,
			max_loan_value = excluded.max_loan_value
	`
	_, err := q.db.ExecContext(ctx, query,
		string(b.ID), b.Name, nullString(b.Email), b.MaxLoanItems, b.MaxLoanValue.String())
	if err != nil {
		return fmt.Errorf("failed to save borrower: %w", err)
	}
	return nil
}

func scanBorrower(row scanner) (loans.Borrower, error) {
	var (
		b        loans.Borrower
		email    sql.NullString
		maxValue string
	)
	if err := row.Scan(&b.ID, &b.Name, &email, &b.MaxLoanItems, &maxValue); err != nil {
		return b, err
	}
	b.Email = email.String
	b.MaxLoanValue = parseDecimal(maxValue)
	return b, nil
}

func (q *queries) GetBorrower(ctx context.Context, id loans.BorrowerID) (loans.Borrower, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, name, email, max_loan_items, max_loan_value FROM borrowers WHERE id = ?`, string(id))
	b, err := scanBorrower(row)
	if errors.Is(err, sql.ErrNoRows) {
		return b, notFound("borrower", string(id))
	}
	return b, err
}

func (q *queries) ListBorrowers(ctx context.Context) ([]loans.Borrower, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, name, email, max_loan_items, max_loan_value FROM borrowers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query borrowers: %w", err)
	}
	defer rows.Close()

	var out []loans.Borrower
	for rows.Next() {
		b, err := scanBorrower(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSFER STORE
// =============================================================================

const transferColumns = `id, borrower_id, source, destination, state, scheduled_at, confirmed_at,
	expected_return, trial_end, bypass_justification, notes, last_swept_at, reminder_count,
	next_reminder_at, created_at, updated_at`

func transferArgs(t loans.LoanTransfer) []any {
	return []any{
		string(t.ID), string(t.Borrower), string(t.Source), string(t.Destination), string(t.State),
		formatTime(t.ScheduledAt), formatTimePtr(t.ConfirmedAt),
		formatTime(t.ExpectedReturn), formatTimePtr(t.TrialEnd),
		nullString(t.BypassJustification), nullString(t.Notes),
		formatTimePtr(t.LastSweptAt), t.ReminderCount, formatTimePtr(t.NextReminderAt),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	}
}

func (q *queries) CreateTransfer(ctx context.Context, t loans.LoanTransfer) error {
	query := `INSERT INTO loan_transfers (` + transferColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := q.db.ExecContext(ctx, query, transferArgs(t)...); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("transfer %s already exists: %w", t.ID, loans.ErrInvariantViolation)
		}
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

func (q *queries) UpdateTransfer(ctx context.Context, t loans.LoanTransfer) error {
	query := `
		UPDATE loan_transfers SET
			borrower_id = ?, source = ?, destination = ?, state = ?, scheduled_at = ?,
			confirmed_at = ?, expected_return = ?, trial_end = ?, bypass_justification = ?,
			notes = ?, last_swept_at = ?, reminder_count = ?, next_reminder_at = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?
	`
	args := transferArgs(t)
	args = append(args[1:], string(t.ID))
	return q.execUpdate(ctx, "transfer", string(t.ID), query, args...)
}

func scanTransfer(row scanner) (loans.LoanTransfer, error) {
	var (
		t                                                  loans.LoanTransfer
		scheduledAt, expectedReturn, createdAt, updatedAt  string
		confirmedAt, trialEnd, lastSweptAt, nextReminderAt sql.NullString
		bypass, notes                                      sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.Borrower, &t.Source, &t.Destination, &t.State, &scheduledAt, &confirmedAt,
		&expectedReturn, &trialEnd, &bypass, &notes, &lastSweptAt, &t.ReminderCount,
		&nextReminderAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return t, err
	}
	t.ScheduledAt = parseTime(scheduledAt)
	t.ConfirmedAt = parseTimePtr(confirmedAt)
	t.ExpectedReturn = parseTime(expectedReturn)
	t.TrialEnd = parseTimePtr(trialEnd)
	t.BypassJustification = bypass.String
	t.Notes = notes.String
	t.LastSweptAt = parseTimePtr(lastSweptAt)
	t.NextReminderAt = parseTimePtr(nextReminderAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

func (q *queries) GetTransfer(ctx context.Context, id loans.TransferID) (loans.LoanTransfer, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM loan_transfers WHERE id = ?`, string(id))
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, notFound("transfer", string(id))
	}
	return t, err
}

func (q *queries) ListTransfers(ctx context.Context, f loans.TransferFilter) ([]loans.LoanTransfer, error) {
	var w where
	w.eq("borrower_id", string(f.Borrower))
	w.in("state", stateStrings(f.States))
	if f.CreatedAfter != nil {
		w.add("created_at >= ?", formatTime(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		w.add("created_at <= ?", formatTime(*f.CreatedBefore))
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM loan_transfers`+w.sql()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []loans.LoanTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *queries) CreateMovement(ctx context.Context, m loans.Movement) error {
	serials, _ := json.Marshal(m.Serials)
	query := `
		INSERT INTO loan_movements (id, transfer_id, product_id, source, quantity, serials_json, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.db.ExecContext(ctx, query,
		string(m.ID), string(m.TransferID), string(m.Product), string(m.Source),
		m.Quantity.String(), string(serials), string(m.State),
	)
	if err != nil {
		return fmt.Errorf("failed to create movement: %w", err)
	}
	return nil
}

func (q *queries) UpdateMovement(ctx context.Context, m loans.Movement) error {
	serials, _ := json.Marshal(m.Serials)
	query := `
		UPDATE loan_movements SET
			transfer_id = ?, product_id = ?, source = ?, quantity = ?, serials_json = ?, state = ?
		WHERE id = ?
	`
	return q.execUpdate(ctx, "movement", string(m.ID), query,
		string(m.TransferID), string(m.Product), string(m.Source),
		m.Quantity.String(), string(serials), string(m.State), string(m.ID),
	)
}

func (q *queries) ListMovements(ctx context.Context, f loans.MovementFilter) ([]loans.Movement, error) {
	var w where
	w.eq("transfer_id", string(f.TransferID))
	w.eq("product_id", string(f.Product))
	w.eq("source", string(f.Source))
	states := make([]string, len(f.States))
	for i, s := range f.States {
		states[i] = string(s)
	}
	w.in("state", states)

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, transfer_id, product_id, source, quantity, serials_json, state
		 FROM loan_movements`+w.sql()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []loans.Movement
	for rows.Next() {
		var (
			m        loans.Movement
			quantity string
			serials  sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.TransferID, &m.Product, &m.Source, &quantity, &serials, &m.State); err != nil {
			return nil, err
		}
		m.Quantity = parseDecimal(quantity)
		if serials.Valid && serials.String != "" {
			json.Unmarshal([]byte(serials.String), &m.Serials)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// DETAIL STORE
// =============================================================================

const detailColumns = `id, transfer_id, parent_id, product_id, serial, quantity, status, borrower_id,
	source_location, loaned_at, resolved_at, unit_cost, sale_price, sale_ref, return_ref,
	changed_by, changed_at, notes, return_condition_notes`

func detailArgs(d loans.TrackingDetail) []any {
	var salePrice sql.NullString
	if d.SalePrice != nil {
		salePrice = sql.NullString{String: d.SalePrice.String(), Valid: true}
	}
	return []any{
		string(d.ID), string(d.TransferID), nullString(string(d.ParentID)), string(d.Product),
		nullString(d.Serial), d.Quantity.String(), string(d.Status), string(d.Borrower),
		string(d.SourceLocation), formatTime(d.LoanedAt), formatTimePtr(d.ResolvedAt),
		d.UnitCost.String(), salePrice, nullString(d.SaleRef), nullString(d.ReturnRef),
		nullString(d.ChangedBy), formatTime(d.ChangedAt), nullString(d.Notes),
		nullString(d.ReturnConditionNotes),
	}
}

func (q *queries) CreateDetail(ctx context.Context, d loans.TrackingDetail) error {
	if _, err := q.GetTransfer(ctx, d.TransferID); err != nil {
		return err
	}
	query := `INSERT INTO tracking_details (` + detailColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := q.db.ExecContext(ctx, query, detailArgs(d)...); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("detail %s already exists: %w", d.ID, loans.ErrInvariantViolation)
		}
		return fmt.Errorf("failed to create detail: %w", err)
	}
	return nil
}

func (q *queries) UpdateDetail(ctx context.Context, d loans.TrackingDetail) error {
	query := `
		UPDATE tracking_details SET
			transfer_id = ?, parent_id = ?, product_id = ?, serial = ?, quantity = ?, status = ?,
			borrower_id = ?, source_location = ?, loaned_at = ?, resolved_at = ?, unit_cost = ?,
			sale_price = ?, sale_ref = ?, return_ref = ?, changed_by = ?, changed_at = ?,
			notes = ?, return_condition_notes = ?
		WHERE id = ?
	`
	args := detailArgs(d)
	args = append(args[1:], string(d.ID))
	return q.execUpdate(ctx, "detail", string(d.ID), query, args...)
}

func scanDetail(row scanner) (loans.TrackingDetail, error) {
	var (
		d                                       loans.TrackingDetail
		quantity, unitCost, loanedAt, changedAt string
		parent, serial, resolvedAt, salePrice   sql.NullString
		saleRef, returnRef, changedBy           sql.NullString
		notes, conditionNotes                   sql.NullString
	)
	err := row.Scan(
		&d.ID, &d.TransferID, &parent, &d.Product, &serial, &quantity, &d.Status, &d.Borrower,
		&d.SourceLocation, &loanedAt, &resolvedAt, &unitCost, &salePrice, &saleRef, &returnRef,
		&changedBy, &changedAt, &notes, &conditionNotes,
	)
	if err != nil {
		return d, err
	}
	d.ParentID = loans.DetailID(parent.String)
	d.Serial = serial.String
	d.Quantity = parseDecimal(quantity)
	d.LoanedAt = parseTime(loanedAt)
	d.ResolvedAt = parseTimePtr(resolvedAt)
	d.UnitCost = parseDecimal(unitCost)
	if salePrice.Valid {
		p := parseDecimal(salePrice.String)
		d.SalePrice = &p
	}
	d.SaleRef = saleRef.String
	d.ReturnRef = returnRef.String
	d.ChangedBy = changedBy.String
	d.ChangedAt = parseTime(changedAt)
	d.Notes = notes.String
	d.ReturnConditionNotes = conditionNotes.String
	return d, nil
}

func (q *queries) GetDetail(ctx context.Context, id loans.DetailID) (loans.TrackingDetail, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+detailColumns+` FROM tracking_details WHERE id = ?`, string(id))
	d, err := scanDetail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return d, notFound("detail", string(id))
	}
	return d, err
}

func (q *queries) ListDetails(ctx context.Context, f loans.DetailFilter) ([]loans.TrackingDetail, error) {
	var w where
	w.eq("transfer_id", string(f.TransferID))
	w.eq("product_id", string(f.Product))
	w.eq("source_location", string(f.SourceLocation))
	w.eq("borrower_id", string(f.Borrower))
	w.eq("serial", f.Serial)
	statuses := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		statuses[i] = string(s)
	}
	w.in("status", statuses)
	if f.LoanedFrom != nil {
		w.add("loaned_at >= ?", formatTime(*f.LoanedFrom))
	}
	if f.LoanedTo != nil {
		w.add("loaned_at <= ?", formatTime(*f.LoanedTo))
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+detailColumns+` FROM tracking_details`+w.sql()+` ORDER BY loaned_at, id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query details: %w", err)
	}
	defer rows.Close()

	var out []loans.TrackingDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// OUTBOX STORE
// =============================================================================

// AppendIntents ignores intents whose ID already exists.
func (q *queries) AppendIntents(ctx context.Context, intents []loans.Intent) error {
	query := `
		INSERT INTO intents (id, kind, transfer_id, detail_id, payload, status, attempts,
			last_error, external_ref, created_at, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	for _, in := range intents {
		_, err := q.db.ExecContext(ctx, query,
			string(in.ID), string(in.Kind), nullString(string(in.TransferID)),
			nullString(string(in.DetailID)), string(in.Payload), string(in.Status), in.Attempts,
			nullString(in.LastError), nullString(in.ExternalRef),
			formatTime(in.CreatedAt), formatTimePtr(in.DispatchedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append intent %s: %w", in.ID, err)
		}
	}
	return nil
}

const intentColumns = `id, kind, transfer_id, detail_id, payload, status, attempts, last_error,
	external_ref, created_at, dispatched_at`

func (q *queries) PendingIntents(ctx context.Context, limit int) ([]loans.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE status = ? ORDER BY seq`
	args := []any{string(loans.IntentPending)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return q.queryIntents(ctx, query, args...)
}

// Intents returns every intent in insertion order. For tests and admin views.
func (s *Store) Intents(ctx context.Context) ([]loans.Intent, error) {
	return s.queryIntents(ctx, `SELECT `+intentColumns+` FROM intents ORDER BY seq`)
}

func (q *queries) UpdateIntent(ctx context.Context, in loans.Intent) error {
	query := `
		UPDATE intents SET
			status = ?, attempts = ?, last_error = ?, external_ref = ?, dispatched_at = ?
		WHERE id = ?
	`
	return q.execUpdate(ctx, "intent", string(in.ID), query,
		string(in.Status), in.Attempts, nullString(in.LastError), nullString(in.ExternalRef),
		formatTimePtr(in.DispatchedAt), string(in.ID),
	)
}

func (q *queries) queryIntents(ctx context.Context, query string, args ...any) ([]loans.Intent, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()

	var out []loans.Intent
	for rows.Next() {
		var (
			in                                       loans.Intent
			transfer, detail, lastErr, ref, dispatch sql.NullString
			payload, createdAt                       string
		)
		if err := rows.Scan(&in.ID, &in.Kind, &transfer, &detail, &payload, &in.Status,
			&in.Attempts, &lastErr, &ref, &createdAt, &dispatch); err != nil {
			return nil, err
		}
		in.TransferID = loans.TransferID(transfer.String)
		in.DetailID = loans.DetailID(detail.String)
		in.Payload = []byte(payload)
		in.LastError = lastErr.String
		in.ExternalRef = ref.String
		in.CreatedAt = parseTime(createdAt)
		in.DispatchedAt = parseTimePtr(dispatch)
		out = append(out, in)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// where accumulates AND-ed conditions. Empty values are skipped.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) eq(column, value string) {
	if value != "" {
		w.add(column+" = ?", value)
	}
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+marks+")", args...)
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (q *queries) execUpdate(ctx context.Context, kind, id, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func stateStrings(states []loans.TransferState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func notFound(kind, id string) error {
	return &loans.NotFoundError{Kind: kind, ID: id}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
