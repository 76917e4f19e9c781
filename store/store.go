package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fingerid/logging"
	"fingerid/types"

	_ "github.com/mattn/go-sqlite3"
)

// MaxTemplateSlots is the number of enrollment captures kept per employee.
const MaxTemplateSlots = 4

// TemplateSlot is one enrollment capture: the raw image and, once computed,
// its cached descriptor blob.
type TemplateSlot struct {
	Image       []byte
	Descriptors []byte
}

// Empty reports whether the slot holds neither an image nor descriptors.
func (s TemplateSlot) Empty() bool {
	return len(s.Image) == 0 && len(s.Descriptors) == 0
}

// EmployeeRecord is one enrolled employee as persisted in the store.
type EmployeeRecord struct {
	ID         int64
	Active     bool
	EnrolledAt string
	Slots      [MaxTemplateSlots]TemplateSlot
}

// TemplateSource is the storage contract the gallery index builds from.
type TemplateSource interface {
	// LoadAll returns every active employee that has at least one
	// non-empty template slot.
	LoadAll(ctx context.Context) ([]EmployeeRecord, error)

	// LoadEmployee returns one active employee, or sql.ErrNoRows when the
	// employee does not exist or is inactive.
	LoadEmployee(ctx context.Context, id int64) (*EmployeeRecord, error)

	// SaveDescriptors caches a computed descriptor blob back into the
	// given slot (1-based).
	SaveDescriptors(ctx context.Context, id int64, slot int, blob []byte) error
}

// Store is the SQLite-backed template store.
type Store struct {
	db *sql.DB
}

// InitStore opens (creating if needed) the template store at dbPath.
func InitStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS employees (
		id INTEGER PRIMARY KEY,
		active INTEGER NOT NULL DEFAULT 1,
		enrolled_at TEXT,
		template_1 BLOB, template_2 BLOB, template_3 BLOB, template_4 BLOB,
		descriptors_1 BLOB, descriptors_2 BLOB, descriptors_3 BLOB, descriptors_4 BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_employees_active ON employees(active);`

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}

	return &Store{db: db}, nil
}

// InitStoreWithRetry opens the store, retrying with backoff; SQLite can be
// briefly locked when another process is mid-migration.
func InitStoreWithRetry(dbPath string, maxRetries int) (*Store, error) {
	var st *Store
	var err error
	for i := 0; i < maxRetries; i++ {
		st, err = InitStore(dbPath)
		if err == nil {
			return st, nil
		}
		if i < maxRetries-1 {
			logging.LogWarning("store init attempt %d/%d failed: %v - retrying", i+1, maxRetries, err)
			time.Sleep(time.Second * time.Duration(i+1))
		}
	}
	return nil, err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const slotColumns = `template_1, template_2, template_3, template_4,
	descriptors_1, descriptors_2, descriptors_3, descriptors_4`

// LoadAll returns every active employee with at least one enrolled capture.
func (s *Store) LoadAll(ctx context.Context) ([]EmployeeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, active, COALESCE(enrolled_at, ''), `+slotColumns+`
		FROM employees
		WHERE active = 1
		  AND (template_1 IS NOT NULL OR descriptors_1 IS NOT NULL
		    OR template_2 IS NOT NULL OR descriptors_2 IS NOT NULL
		    OR template_3 IS NOT NULL OR descriptors_3 IS NOT NULL
		    OR template_4 IS NOT NULL OR descriptors_4 IS NOT NULL)
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var records []EmployeeRecord
	for rows.Next() {
		rec, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	return records, nil
}

// LoadEmployee returns a single active employee record.
func (s *Store) LoadEmployee(ctx context.Context, id int64) (*EmployeeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, active, COALESCE(enrolled_at, ''), `+slotColumns+`
		FROM employees
		WHERE id = ? AND active = 1`, id)

	rec, err := scanEmployee(row)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	return rec, nil
}

// SaveDescriptors writes a computed descriptor blob back into a slot so the
// next rebuild skips the extraction.
func (s *Store) SaveDescriptors(ctx context.Context, id int64, slot int, blob []byte) error {
	if slot < 1 || slot > MaxTemplateSlots {
		return fmt.Errorf("invalid template slot %d", slot)
	}

	query := fmt.Sprintf("UPDATE employees SET descriptors_%d = ? WHERE id = ?", slot)
	if _, err := s.db.ExecContext(ctx, query, blob, id); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEmployee(row rowScanner) (*EmployeeRecord, error) {
	var rec EmployeeRecord
	var active int
	dests := []interface{}{&rec.ID, &active, &rec.EnrolledAt}
	for i := 0; i < MaxTemplateSlots; i++ {
		dests = append(dests, &rec.Slots[i].Image)
	}
	for i := 0; i < MaxTemplateSlots; i++ {
		dests = append(dests, &rec.Slots[i].Descriptors)
	}
	if err := row.Scan(dests...); err != nil {
		return nil, err
	}
	rec.Active = active == 1
	return &rec, nil
}
