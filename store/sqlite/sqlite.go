/*
Package sqlite provides the SQLite-backed implementation of the billing
storage interfaces.

PURPOSE:
  Implements billing.Store and billing.TxStore using SQLite. The same SQL
  works on PostgreSQL with minor dialect changes.

MUTATION DISCIPLINE ENFORCED HERE:
  - invoice_audit_logs has INSERT only; no UPDATE or DELETE statement
    exists anywhere in this package.
  - Finalized fields are written by a single UPDATE guarded on
    status = 'draft'; re-finalizing is impossible.
  - Status transitions are compare-and-swap UPDATEs guarded on the
    expected current status.
  - UNIQUE(tenant_id, sequence_number) on both document tables makes
    duplicate sequence assignment a hard constraint violation even if a
    caller forgets the transaction discipline.

KEY TABLES:
  invoices, invoice_items          one billing document and its lines
  credit_notes, credit_note_items  reversals
  invoice_audit_logs               append-only signed trail

CONCURRENCY:
  WithTx holds the store's write lock for the duration of the transaction,
  serializing concurrent finalizations: the read of the tenant's max
  sequence number and the insert that uses it cannot interleave. SQLite is
  opened in WAL mode so readers (compliance checks, exports) do not block
  behind writers.

MIGRATION:
  Schema is auto-migrated on New(). For production on PostgreSQL, use a
  versioned migration tool instead.

SEE ALSO:
  - billing/store.go: interface definitions and contracts
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/facturio/billing-engine/billing"
)

const (
	dayFormat = "2006-01-02"
	// Fixed-width fraction: the stored strings sort lexicographically in
	// timestamp order, which ORDER BY timestamp relies on.
	tsFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
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

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		number TEXT,
		sequence_number INTEGER,
		issue_date TEXT NOT NULL,
		due_date TEXT,
		currency TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		total TEXT NOT NULL,
		status TEXT NOT NULL,
		hash TEXT,
		previous_hash TEXT,
		cancelled_at TEXT,
		cancellation_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Gapless numbering is a legal requirement; duplicates are impossible
	-- at the storage level regardless of caller discipline.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_tenant_sequence
		ON invoices(tenant_id, sequence_number)
		WHERE sequence_number IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_tenant_number
		ON invoices(tenant_id, number)
		WHERE number IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_invoices_tenant_status
		ON invoices(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_invoices_tenant_issue_date
		ON invoices(tenant_id, issue_date);

	CREATE TABLE IF NOT EXISTS invoice_items (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		position INTEGER NOT NULL,
		description TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		tax_rate TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoice_items_invoice
		ON invoice_items(invoice_id, position);

	CREATE TABLE IF NOT EXISTS credit_notes (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		number TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		date TEXT NOT NULL,
		reason TEXT,
		currency TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		total TEXT NOT NULL,
		status TEXT NOT NULL,
		hash TEXT NOT NULL,
		previous_hash TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_notes_tenant_sequence
		ON credit_notes(tenant_id, sequence_number);
	CREATE INDEX IF NOT EXISTS idx_credit_notes_invoice
		ON credit_notes(tenant_id, invoice_id);
	CREATE INDEX IF NOT EXISTS idx_credit_notes_tenant_date
		ON credit_notes(tenant_id, date);

	CREATE TABLE IF NOT EXISTS credit_note_items (
		id TEXT PRIMARY KEY,
		credit_note_id TEXT NOT NULL REFERENCES credit_notes(id),
		position INTEGER NOT NULL,
		description TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		tax_rate TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_note_items_note
		ON credit_note_items(credit_note_id, position);

	-- Append-only. No UPDATE or DELETE exists for this table.
	CREATE TABLE IF NOT EXISTS invoice_audit_logs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		action TEXT NOT NULL,
		signature TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		actor_id TEXT,
		ip_address TEXT,
		user_agent TEXT,
		changes_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_invoice
		ON invoice_audit_logs(tenant_id, invoice_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SESSIONS - one query surface shared by direct and transactional access
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// session implements billing.Store against either the pooled connection or
// an open transaction. Inside a transaction its reads see the
// transaction's own uncommitted writes, which the workflows rely on.
type session struct {
	q dbtx
}

// WithTx executes fn within a database transaction, holding the write lock
// so tenant sequence assignment serializes.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&session{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) session() *session { return &session{q: s.db} }

// =============================================================================
// INVOICES
// =============================================================================

func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session().CreateInvoice(ctx, inv)
}

func (se *session) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	_, err := se.q.ExecContext(ctx, `
		INSERT INTO invoices
		(id, tenant_id, client_id, number, sequence_number, issue_date, due_date,
		 currency, subtotal, tax_amount, total, status, hash, previous_hash,
		 cancelled_at, cancellation_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.TenantID, inv.ClientID,
		nullString(inv.Number), nullInt(inv.SequenceNumber),
		inv.IssueDate.Format(dayFormat), nullDay(inv.DueDate),
		inv.Currency, inv.Subtotal.String(), inv.TaxAmount.String(), inv.Total.String(),
		string(inv.Status), nullString(inv.Hash), nullString(inv.PreviousHash),
		nullTime(inv.CancelledAt), nullString(inv.CancellationReason),
		inv.CreatedAt.UTC().Format(tsFormat), inv.UpdatedAt.UTC().Format(tsFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}

	for _, it := range inv.Items {
		_, err := se.q.ExecContext(ctx, `
			INSERT INTO invoice_items (id, invoice_id, position, description, quantity, unit_price, tax_rate)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.InvoiceID, it.Position, it.Description,
			it.Quantity.String(), it.UnitPrice.String(), it.TaxRate.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert invoice item: %w", err)
		}
	}
	return nil
}

const invoiceColumns = `id, tenant_id, client_id, number, sequence_number, issue_date, due_date,
	currency, subtotal, tax_amount, total, status, hash, previous_hash,
	cancelled_at, cancellation_reason, created_at, updated_at`

func (s *Store) GetInvoice(ctx context.Context, tenantID, id string) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().GetInvoice(ctx, tenantID, id)
}

func (se *session) GetInvoice(ctx context.Context, tenantID, id string) (*billing.Invoice, error) {
	invoices, err := se.queryInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = ? AND id = ?`,
		tenantID, id)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, billing.ErrInvoiceNotFound
	}
	inv := invoices[0]
	if err := se.loadInvoiceItems(ctx, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, tenantID string) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().ListInvoices(ctx, tenantID)
}

func (se *session) ListInvoices(ctx context.Context, tenantID string) ([]billing.Invoice, error) {
	invoices, err := se.queryInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = ? ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		if err := se.loadInvoiceItems(ctx, &invoices[i]); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

func (s *Store) FinalizeInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session().FinalizeInvoice(ctx, inv)
}

func (se *session) FinalizeInvoice(ctx context.Context, inv *billing.Invoice) error {
	res, err := se.q.ExecContext(ctx, `
		UPDATE invoices
		SET number = ?, sequence_number = ?, hash = ?, previous_hash = ?,
		    status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = 'draft'`,
		inv.Number, inv.SequenceNumber, inv.Hash, nullString(inv.PreviousHash),
		string(billing.InvoiceSent), time.Now().UTC().Format(tsFormat),
		inv.TenantID, inv.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrInvoiceNotDraft
	}
	return nil
}

func (s *Store) TransitionInvoice(ctx context.Context, tenantID, id string, from, to billing.InvoiceStatus, cancelledAt *time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session().TransitionInvoice(ctx, tenantID, id, from, to, cancelledAt, reason)
}

func (se *session) TransitionInvoice(ctx context.Context, tenantID, id string, from, to billing.InvoiceStatus, cancelledAt *time.Time, reason string) error {
	res, err := se.q.ExecContext(ctx, `
		UPDATE invoices
		SET status = ?, cancelled_at = ?, cancellation_reason = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?`,
		string(to), nullTime(cancelledAt), nullString(reason),
		time.Now().UTC().Format(tsFormat),
		tenantID, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to transition invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &billing.TransitionError{DocumentID: id, From: string(from), To: string(to)}
	}
	return nil
}

func (s *Store) InvoicesInPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().InvoicesInPeriod(ctx, tenantID, from, to)
}

func (se *session) InvoicesInPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]billing.Invoice, error) {
	invoices, err := se.queryInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE tenant_id = ? AND sequence_number IS NOT NULL
		   AND issue_date >= ? AND issue_date <= ?
		 ORDER BY sequence_number ASC`,
		tenantID, from.Format(dayFormat), to.Format(dayFormat))
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		if err := se.loadInvoiceItems(ctx, &invoices[i]); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

func (s *Store) FinalizedInvoicesByYear(ctx context.Context, tenantID string, year int) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().FinalizedInvoicesByYear(ctx, tenantID, year)
}

func (se *session) FinalizedInvoicesByYear(ctx context.Context, tenantID string, year int) ([]billing.Invoice, error) {
	return se.queryInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE tenant_id = ? AND sequence_number IS NOT NULL
		   AND strftime('%Y', issue_date) = ?
		 ORDER BY sequence_number ASC`,
		tenantID, fmt.Sprintf("%d", year))
}

func (s *Store) SequenceNumbers(ctx context.Context, tenantID string, family billing.DocFamily) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().SequenceNumbers(ctx, tenantID, family)
}

func (se *session) SequenceNumbers(ctx context.Context, tenantID string, family billing.DocFamily) ([]int64, error) {
	query := `SELECT sequence_number FROM invoices
		WHERE tenant_id = ? AND sequence_number IS NOT NULL ORDER BY sequence_number ASC`
	if family == billing.FamilyCreditNote {
		query = `SELECT sequence_number FROM credit_notes
			WHERE tenant_id = ? ORDER BY sequence_number ASC`
	}

	rows, err := se.q.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sequence numbers: %w", err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		seqs = append(seqs, n)
	}
	return seqs, rows.Err()
}

func (se *session) queryInvoices(ctx context.Context, query string, args ...any) ([]billing.Invoice, error) {
	rows, err := se.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(rows *sql.Rows) (billing.Invoice, error) {
	var (
		inv                        billing.Invoice
		number, hash, prevHash     sql.NullString
		seq                        sql.NullInt64
		issueDate                  string
		dueDate, cancelledAt       sql.NullString
		subtotal, taxAmount, total string
		status                     string
		cancellationReason         sql.NullString
		createdAt, updatedAt       string
	)

	err := rows.Scan(
		&inv.ID, &inv.TenantID, &inv.ClientID, &number, &seq, &issueDate, &dueDate,
		&inv.Currency, &subtotal, &taxAmount, &total, &status, &hash, &prevHash,
		&cancelledAt, &cancellationReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return inv, fmt.Errorf("failed to scan invoice: %w", err)
	}

	inv.Number = number.String
	inv.SequenceNumber = seq.Int64
	inv.IssueDate, _ = time.Parse(dayFormat, issueDate)
	if dueDate.Valid {
		t, _ := time.Parse(dayFormat, dueDate.String)
		inv.DueDate = &t
	}
	inv.Subtotal = billing.MustDecimal(subtotal)
	inv.TaxAmount = billing.MustDecimal(taxAmount)
	inv.Total = billing.MustDecimal(total)
	inv.Status = billing.InvoiceStatus(status)
	inv.Hash = hash.String
	inv.PreviousHash = prevHash.String
	if cancelledAt.Valid {
		t, _ := time.Parse(tsFormat, cancelledAt.String)
		inv.CancelledAt = &t
	}
	inv.CancellationReason = cancellationReason.String
	inv.CreatedAt, _ = time.Parse(tsFormat, createdAt)
	inv.UpdatedAt, _ = time.Parse(tsFormat, updatedAt)
	return inv, nil
}

func (se *session) loadInvoiceItems(ctx context.Context, inv *billing.Invoice) error {
	rows, err := se.q.QueryContext(ctx, `
		SELECT id, invoice_id, position, description, quantity, unit_price, tax_rate
		FROM invoice_items WHERE invoice_id = ? ORDER BY position ASC`, inv.ID)
	if err != nil {
		return fmt.Errorf("failed to query invoice items: %w", err)
	}
	defer rows.Close()

	inv.Items = nil
	for rows.Next() {
		var (
			it                           billing.InvoiceItem
			quantity, unitPrice, taxRate string
		)
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.Position, &it.Description,
			&quantity, &unitPrice, &taxRate); err != nil {
			return err
		}
		it.Quantity = billing.MustDecimal(quantity)
		it.UnitPrice = billing.MustDecimal(unitPrice)
		it.TaxRate = billing.MustDecimal(taxRate)
		inv.Items = append(inv.Items, it)
	}
	return rows.Err()
}

// =============================================================================
// CREDIT NOTES
// =============================================================================

func (s *Store) CreateCreditNote(ctx context.Context, cn *billing.CreditNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session().CreateCreditNote(ctx, cn)
}

func (se *session) CreateCreditNote(ctx context.Context, cn *billing.CreditNote) error {
	_, err := se.q.ExecContext(ctx, `
		INSERT INTO credit_notes
		(id, tenant_id, client_id, invoice_id, number, sequence_number, date, reason,
		 currency, subtotal, tax_amount, total, status, hash, previous_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cn.ID, cn.TenantID, cn.ClientID, cn.InvoiceID,
		cn.Number, cn.SequenceNumber, cn.Date.Format(dayFormat), nullString(cn.Reason),
		cn.Currency, cn.Subtotal.String(), cn.TaxAmount.String(), cn.Total.String(),
		string(cn.Status), cn.Hash, nullString(cn.PreviousHash),
		cn.CreatedAt.UTC().Format(tsFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to insert credit note: %w", err)
	}

	for _, it := range cn.Items {
		_, err := se.q.ExecContext(ctx, `
			INSERT INTO credit_note_items (id, credit_note_id, position, description, quantity, unit_price, tax_rate)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.CreditNoteID, it.Position, it.Description,
			it.Quantity.String(), it.UnitPrice.String(), it.TaxRate.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert credit note item: %w", err)
		}
	}
	return nil
}

const creditNoteColumns = `id, tenant_id, client_id, invoice_id, number, sequence_number, date, reason,
	currency, subtotal, tax_amount, total, status, hash, previous_hash, created_at`

func (s *Store) GetCreditNote(ctx context.Context, tenantID, id string) (*billing.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().GetCreditNote(ctx, tenantID, id)
}

func (se *session) GetCreditNote(ctx context.Context, tenantID, id string) (*billing.CreditNote, error) {
	notes, err := se.queryCreditNotes(ctx,
		`SELECT `+creditNoteColumns+` FROM credit_notes WHERE tenant_id = ? AND id = ?`,
		tenantID, id)
	if err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return nil, billing.ErrCreditNoteNotFound
	}
	cn := notes[0]
	if err := se.loadCreditNoteItems(ctx, &cn); err != nil {
		return nil, err
	}
	return &cn, nil
}

func (s *Store) CreditNotesForInvoice(ctx context.Context, tenantID, invoiceID string) ([]billing.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().CreditNotesForInvoice(ctx, tenantID, invoiceID)
}

func (se *session) CreditNotesForInvoice(ctx context.Context, tenantID, invoiceID string) ([]billing.CreditNote, error) {
	notes, err := se.queryCreditNotes(ctx,
		`SELECT `+creditNoteColumns+` FROM credit_notes
		 WHERE tenant_id = ? AND invoice_id = ? ORDER BY sequence_number ASC`,
		tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	for i := range notes {
		if err := se.loadCreditNoteItems(ctx, &notes[i]); err != nil {
			return nil, err
		}
	}
	return notes, nil
}

func (s *Store) CreditedTotal(ctx context.Context, tenantID, invoiceID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().CreditedTotal(ctx, tenantID, invoiceID)
}

func (se *session) CreditedTotal(ctx context.Context, tenantID, invoiceID string) (decimal.Decimal, error) {
	rows, err := se.q.QueryContext(ctx, `
		SELECT total FROM credit_notes
		WHERE tenant_id = ? AND invoice_id = ? AND status IN ('issued', 'applied')`,
		tenantID, invoiceID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query credited total: %w", err)
	}
	defer rows.Close()

	// Summed in Go rather than SQL so decimal strings never round-trip
	// through SQLite's float arithmetic.
	sum := decimal.Zero
	for rows.Next() {
		var total string
		if err := rows.Scan(&total); err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(billing.MustDecimal(total))
	}
	return sum, rows.Err()
}

func (s *Store) TransitionCreditNote(ctx context.Context, tenantID, id string, from, to billing.CreditNoteStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session().TransitionCreditNote(ctx, tenantID, id, from, to)
}

func (se *session) TransitionCreditNote(ctx context.Context, tenantID, id string, from, to billing.CreditNoteStatus) error {
	res, err := se.q.ExecContext(ctx, `
		UPDATE credit_notes SET status = ? WHERE tenant_id = ? AND id = ? AND status = ?`,
		string(to), tenantID, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition credit note: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &billing.TransitionError{DocumentID: id, From: string(from), To: string(to)}
	}
	return nil
}

func (s *Store) CreditNotesInPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]billing.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().CreditNotesInPeriod(ctx, tenantID, from, to)
}

func (se *session) CreditNotesInPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]billing.CreditNote, error) {
	notes, err := se.queryCreditNotes(ctx,
		`SELECT `+creditNoteColumns+` FROM credit_notes
		 WHERE tenant_id = ? AND status != 'draft'
		   AND date >= ? AND date <= ?
		 ORDER BY sequence_number ASC`,
		tenantID, from.Format(dayFormat), to.Format(dayFormat))
	if err != nil {
		return nil, err
	}
	for i := range notes {
		if err := se.loadCreditNoteItems(ctx, &notes[i]); err != nil {
			return nil, err
		}
	}
	return notes, nil
}

func (se *session) queryCreditNotes(ctx context.Context, query string, args ...any) ([]billing.CreditNote, error) {
	rows, err := se.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit notes: %w", err)
	}
	defer rows.Close()

	var notes []billing.CreditNote
	for rows.Next() {
		cn, err := scanCreditNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, cn)
	}
	return notes, rows.Err()
}

func scanCreditNote(rows *sql.Rows) (billing.CreditNote, error) {
	var (
		cn                         billing.CreditNote
		date                       string
		reason, prevHash           sql.NullString
		subtotal, taxAmount, total string
		status                     string
		createdAt                  string
	)

	err := rows.Scan(
		&cn.ID, &cn.TenantID, &cn.ClientID, &cn.InvoiceID, &cn.Number, &cn.SequenceNumber,
		&date, &reason, &cn.Currency, &subtotal, &taxAmount, &total, &status,
		&cn.Hash, &prevHash, &createdAt,
	)
	if err != nil {
		return cn, fmt.Errorf("failed to scan credit note: %w", err)
	}

	cn.Date, _ = time.Parse(dayFormat, date)
	cn.Reason = reason.String
	cn.Subtotal = billing.MustDecimal(subtotal)
	cn.TaxAmount = billing.MustDecimal(taxAmount)
	cn.Total = billing.MustDecimal(total)
	cn.Status = billing.CreditNoteStatus(status)
	cn.PreviousHash = prevHash.String
	cn.CreatedAt, _ = time.Parse(tsFormat, createdAt)
	return cn, nil
}

func (se *session) loadCreditNoteItems(ctx context.Context, cn *billing.CreditNote) error {
	rows, err := se.q.QueryContext(ctx, `
		SELECT id, credit_note_id, position, description, quantity, unit_price, tax_rate
		FROM credit_note_items WHERE credit_note_id = ? ORDER BY position ASC`, cn.ID)
	if err != nil {
		return fmt.Errorf("failed to query credit note items: %w", err)
	}
	defer rows.Close()

	cn.Items = nil
	for rows.Next() {
		var (
			it                           billing.CreditNoteItem
			quantity, unitPrice, taxRate string
		)
		if err := rows.Scan(&it.ID, &it.CreditNoteID, &it.Position, &it.Description,
			&quantity, &unitPrice, &taxRate); err != nil {
			return err
		}
		it.Quantity = billing.MustDecimal(quantity)
		it.UnitPrice = billing.MustDecimal(unitPrice)
		it.TaxRate = billing.MustDecimal(taxRate)
		cn.Items = append(cn.Items, it)
	}
	return rows.Err()
}

// =============================================================================
// AUDIT LOGS (append-only)
// =============================================================================

func (s *Store) AppendAuditLog(ctx context.Context, entry *billing.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session().AppendAuditLog(ctx, entry)
}

func (se *session) AppendAuditLog(ctx context.Context, entry *billing.AuditLog) error {
	changesJSON, _ := json.Marshal(entry.Changes)

	_, err := se.q.ExecContext(ctx, `
		INSERT INTO invoice_audit_logs
		(id, tenant_id, invoice_id, action, signature, timestamp, actor_id, ip_address, user_agent, changes_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.InvoiceID, string(entry.Action),
		entry.Signature, entry.Timestamp.UTC().Format(tsFormat),
		nullString(entry.ActorID), nullString(entry.IPAddress), nullString(entry.UserAgent),
		string(changesJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) AuditLogsForInvoice(ctx context.Context, tenantID, invoiceID string) ([]billing.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().AuditLogsForInvoice(ctx, tenantID, invoiceID)
}

func (se *session) AuditLogsForInvoice(ctx context.Context, tenantID, invoiceID string) ([]billing.AuditLog, error) {
	return se.queryAuditLogs(ctx, `
		SELECT id, tenant_id, invoice_id, action, signature, timestamp, actor_id, ip_address, user_agent, changes_json
		FROM invoice_audit_logs
		WHERE tenant_id = ? AND invoice_id = ?
		ORDER BY timestamp ASC, id ASC`,
		tenantID, invoiceID)
}

func (s *Store) AuditLogsForInvoices(ctx context.Context, tenantID string, invoiceIDs []string) ([]billing.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().AuditLogsForInvoices(ctx, tenantID, invoiceIDs)
}

func (se *session) AuditLogsForInvoices(ctx context.Context, tenantID string, invoiceIDs []string) ([]billing.AuditLog, error) {
	if len(invoiceIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(invoiceIDs)), ",")
	args := make([]any, 0, len(invoiceIDs)+1)
	args = append(args, tenantID)
	for _, id := range invoiceIDs {
		args = append(args, id)
	}

	return se.queryAuditLogs(ctx, `
		SELECT id, tenant_id, invoice_id, action, signature, timestamp, actor_id, ip_address, user_agent, changes_json
		FROM invoice_audit_logs
		WHERE tenant_id = ? AND invoice_id IN (`+placeholders+`)
		ORDER BY timestamp ASC, id ASC`,
		args...)
}

func (se *session) queryAuditLogs(ctx context.Context, query string, args ...any) ([]billing.AuditLog, error) {
	rows, err := se.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []billing.AuditLog
	for rows.Next() {
		var (
			e                             billing.AuditLog
			action, timestamp             string
			actorID, ipAddress, userAgent sql.NullString
			changesJSON                   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.InvoiceID, &action, &e.Signature,
			&timestamp, &actorID, &ipAddress, &userAgent, &changesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		e.Action = billing.AuditAction(action)
		e.Timestamp, _ = time.Parse(tsFormat, timestamp)
		e.ActorID = actorID.String
		e.IPAddress = ipAddress.String
		e.UserAgent = userAgent.String
		if changesJSON.Valid && changesJSON.String != "" && changesJSON.String != "null" {
			json.Unmarshal([]byte(changesJSON.String), &e.Changes)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SEQUENCE SOURCE
// =============================================================================

func (s *Store) MaxSequence(ctx context.Context, tenantID string, family billing.DocFamily) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().MaxSequence(ctx, tenantID, family)
}

func (se *session) MaxSequence(ctx context.Context, tenantID string, family billing.DocFamily) (int64, error) {
	query := `SELECT COALESCE(MAX(sequence_number), 0) FROM invoices WHERE tenant_id = ?`
	if family == billing.FamilyCreditNote {
		query = `SELECT COALESCE(MAX(sequence_number), 0) FROM credit_notes WHERE tenant_id = ?`
	}

	var max int64
	if err := se.q.QueryRowContext(ctx, query, tenantID).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	return max, nil
}

func (s *Store) HashAtSequence(ctx context.Context, tenantID string, family billing.DocFamily, seq int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session().HashAtSequence(ctx, tenantID, family, seq)
}

func (se *session) HashAtSequence(ctx context.Context, tenantID string, family billing.DocFamily, seq int64) (string, error) {
	query := `SELECT COALESCE(hash, '') FROM invoices WHERE tenant_id = ? AND sequence_number = ?`
	if family == billing.FamilyCreditNote {
		query = `SELECT COALESCE(hash, '') FROM credit_notes WHERE tenant_id = ? AND sequence_number = ?`
	}

	var hash string
	err := se.q.QueryRowContext(ctx, query, tenantID, seq).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read hash at sequence: %w", err)
	}
	return hash, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func nullDay(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dayFormat), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(tsFormat), Valid: true}
}
