// Package state manages the SQLite database that holds persisted line items
// and the sync run audit log.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/editionsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS line_items (
    id                       INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id                 TEXT    NOT NULL,
    line_item_id             TEXT    NOT NULL,
    order_name               TEXT    NOT NULL DEFAULT '',
    product_id               TEXT,
    variant_id               TEXT    NOT NULL DEFAULT '',
    vendor_name              TEXT    NOT NULL DEFAULT '',
    edition_number           INTEGER,
    status                   TEXT    NOT NULL DEFAULT 'active',
    removed_reason           TEXT    NOT NULL DEFAULT '',
    created_at               TEXT    NOT NULL,
    updated_at               TEXT    NOT NULL,
    certificate_url          TEXT    NOT NULL DEFAULT '',
    certificate_token        TEXT    NOT NULL DEFAULT '',
    certificate_generated_at TEXT    NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_line_items_natural ON line_items (order_id, line_item_id);
CREATE INDEX        IF NOT EXISTS idx_line_items_product ON line_items (product_id, status);

CREATE TABLE IF NOT EXISTS sync_runs (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    total_products      INTEGER NOT NULL,
    successful_products INTEGER NOT NULL,
    sync_results        TEXT    NOT NULL,
    created_at          TEXT    NOT NULL
);
`

const lineItemColumns = `
	id, order_id, line_item_id, order_name, product_id, variant_id, vendor_name,
	edition_number, status, removed_reason, created_at, updated_at,
	certificate_url, certificate_token, certificate_generated_at`

// timeLayout is fixed-width so that lexical order of the stored text matches
// chronological order. Times are always stored in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite-backed line item repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the database:
// ~/.local/share/editionsync/editions.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "editionsync", "editions.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// GetByLineItem returns the row for the (orderID, lineItemID) pair, or
// (nil, nil) if no such row exists.
func (s *Store) GetByLineItem(ctx context.Context, orderID, lineItemID string) (*model.LineItem, error) {
	q := `SELECT` + lineItemColumns + `
		FROM line_items WHERE order_id = ? AND line_item_id = ?`
	row := s.db.QueryRowContext(ctx, q, orderID, lineItemID)
	return scanLineItem(row)
}

// ListByProduct returns every row of the product ordered by edition number
// (unnumbered rows last), then creation time, then row ID.
func (s *Store) ListByProduct(ctx context.Context, productID string) ([]*model.LineItem, error) {
	q := `SELECT` + lineItemColumns + `
		FROM line_items WHERE product_id = ?
		ORDER BY edition_number IS NULL, edition_number, created_at, id`
	return s.queryLineItems(ctx, q, productID)
}

// ListDuplicateCandidates returns the rows of the product together with all
// orphaned rows (NULL product_id), ordered by creation time then row ID.
func (s *Store) ListDuplicateCandidates(ctx context.Context, productID string) ([]*model.LineItem, error) {
	q := `SELECT` + lineItemColumns + `
		FROM line_items WHERE product_id = ? OR product_id IS NULL
		ORDER BY created_at, id`
	return s.queryLineItems(ctx, q, productID)
}

func (s *Store) queryLineItems(ctx context.Context, q string, args ...any) ([]*model.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying line items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*model.LineItem
	for rows.Next() {
		item, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Insert adds a new row. The item's ID field is set from the new row ID.
func (s *Store) Insert(ctx context.Context, item *model.LineItem) error {
	const q = `
		INSERT INTO line_items
		    (order_id, line_item_id, order_name, product_id, variant_id, vendor_name,
		     edition_number, status, removed_reason, created_at, updated_at,
		     certificate_url, certificate_token, certificate_generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, q,
		item.OrderID,
		item.LineItemID,
		item.OrderName,
		nullString(item.ProductID),
		item.VariantID,
		item.VendorName,
		nullInt(item.EditionNumber),
		string(item.Status),
		item.RemovedReason,
		formatTime(item.CreatedAt),
		formatTime(item.UpdatedAt),
		item.CertificateURL,
		item.CertificateToken,
		formatTime(item.CertificateGeneratedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting line item %s/%s: %w", item.OrderID, item.LineItemID, err)
	}
	id, err := res.LastInsertId()
	if err == nil && id > 0 {
		item.ID = id
	}
	return nil
}

// Update writes every mutable column of an existing row, keyed by ID.
func (s *Store) Update(ctx context.Context, item *model.LineItem) error {
	const q = `
		UPDATE line_items SET
		    order_name               = ?,
		    product_id               = ?,
		    variant_id               = ?,
		    vendor_name              = ?,
		    edition_number           = ?,
		    status                   = ?,
		    removed_reason           = ?,
		    updated_at               = ?,
		    certificate_url          = ?,
		    certificate_token        = ?,
		    certificate_generated_at = ?
		WHERE id = ?`

	_, err := s.db.ExecContext(ctx, q,
		item.OrderName,
		nullString(item.ProductID),
		item.VariantID,
		item.VendorName,
		nullInt(item.EditionNumber),
		string(item.Status),
		item.RemovedReason,
		formatTime(item.UpdatedAt),
		item.CertificateURL,
		item.CertificateToken,
		formatTime(item.CertificateGeneratedAt),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("updating line item id=%d: %w", item.ID, err)
	}
	return nil
}

// SetEditionNumber writes a single row's edition number. A nil n clears it.
func (s *Store) SetEditionNumber(ctx context.Context, id int64, n *int, at time.Time) error {
	const q = `UPDATE line_items SET edition_number = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, nullInt(n), formatTime(at), id); err != nil {
		return fmt.Errorf("setting edition number on id=%d: %w", id, err)
	}
	return nil
}

// MarkRemoved retires a row: status becomes removed, the edition number is
// cleared, and the reason is recorded.
func (s *Store) MarkRemoved(ctx context.Context, id int64, reason string, at time.Time) error {
	const q = `
		UPDATE line_items
		SET status = ?, edition_number = NULL, removed_reason = ?, updated_at = ?
		WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, string(model.StatusRemoved), reason, formatTime(at), id); err != nil {
		return fmt.Errorf("marking id=%d removed: %w", id, err)
	}
	return nil
}

// InsertSyncRun appends an audit record. The run's ID is set on success.
func (s *Store) InsertSyncRun(ctx context.Context, run *model.SyncRun) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("encoding sync results: %w", err)
	}
	const q = `
		INSERT INTO sync_runs (total_products, successful_products, sync_results, created_at)
		VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		run.TotalProducts,
		run.SuccessfulProducts,
		string(results),
		formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting sync run: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		run.ID = id
	}
	return nil
}

// ListSyncRuns returns up to limit audit records, most recent first.
func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	const q = `
		SELECT id, total_products, successful_products, sync_results, created_at
		FROM sync_runs ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*model.SyncRun
	for rows.Next() {
		var run model.SyncRun
		var results, createdAt string
		if err := rows.Scan(&run.ID, &run.TotalProducts, &run.SuccessfulProducts, &results, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning sync run row: %w", err)
		}
		if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
			return nil, fmt.Errorf("decoding sync results of run %d: %w", run.ID, err)
		}
		run.CreatedAt, _ = parseTime(createdAt)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanLineItem can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanLineItem(s scanner) (*model.LineItem, error) {
	var item model.LineItem
	var productID sql.NullString
	var edition sql.NullInt64
	var status, createdAt, updatedAt, certAt string

	err := s.Scan(
		&item.ID,
		&item.OrderID,
		&item.LineItemID,
		&item.OrderName,
		&productID,
		&item.VariantID,
		&item.VendorName,
		&edition,
		&status,
		&item.RemovedReason,
		&createdAt,
		&updatedAt,
		&item.CertificateURL,
		&item.CertificateToken,
		&certAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning line item row: %w", err)
	}

	item.ProductID = productID.String
	if edition.Valid {
		item.EditionNumber = model.EditionInt(int(edition.Int64))
	}
	item.Status = model.Status(status)
	item.CreatedAt, _ = parseTime(createdAt)
	item.UpdatedAt, _ = parseTime(updatedAt)
	item.CertificateGeneratedAt, _ = parseTime(certAt)

	return &item, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
