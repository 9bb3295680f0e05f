// Package sqlstore provides a database/sql implementation of
// recordstore.Store backed by SQLite or PostgreSQL. It serves offline runs
// and integration tests with the same object/attribute/record model the
// hosted CRM exposes.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/crmsync/internal/recordstore"
)

//go:embed seed.yaml
var defaultSeed []byte

// DefaultSeed returns the embedded companies/people/deals catalog.
func DefaultSeed() []byte {
	return defaultSeed
}

// Store implements recordstore.Store on top of database/sql.
type Store struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
}

// Open connects to the database and applies the schema. driver is "sqlite"
// or "postgres".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != "sqlite" && driver != "postgres" {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to open database: %w", err)
	}

	if driver == "postgres" {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	} else {
		// a single connection keeps ":memory:" databases coherent
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: failed to apply schema: %w", err)
	}

	return &Store{db: db, postgres: driver == "postgres", now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ListObjects returns all schema-backed objects ordered by slug.
func (s *Store) ListObjects(ctx context.Context) ([]recordstore.Object, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, slug, name, description FROM objects ORDER BY slug")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to list objects: %w", err)
	}
	defer rows.Close()

	var objects []recordstore.Object
	for rows.Next() {
		var o recordstore.Object
		if err := rows.Scan(&o.ID, &o.Slug, &o.Name, &o.Description); err != nil {
			return nil, fmt.Errorf("sqlstore: failed to scan object: %w", err)
		}
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

// GetObject looks an object up by slug or id.
func (s *Store) GetObject(ctx context.Context, slug string) (*recordstore.Object, error) {
	var o recordstore.Object
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT id, slug, name, description FROM objects WHERE slug = ? OR id = ?"),
		slug, slug,
	).Scan(&o.ID, &o.Slug, &o.Name, &o.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlstore: object %q: %w", slug, recordstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to get object: %w", err)
	}
	return &o, nil
}

// ListAttributes returns the attributes of an object given its id or slug.
func (s *Store) ListAttributes(ctx context.Context, objectID string) ([]recordstore.Attribute, error) {
	obj, err := s.GetObject(ctx, objectID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, slug, name, type, required, multivalue, config, options
		FROM attributes WHERE object_id = ? ORDER BY position, slug`), obj.ID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to list attributes: %w", err)
	}
	defer rows.Close()

	var attrs []recordstore.Attribute
	for rows.Next() {
		var (
			a             recordstore.Attribute
			cfgJSON, opts string
		)
		if err := rows.Scan(&a.ID, &a.Slug, &a.Name, &a.Type, &a.Required, &a.Multivalue, &cfgJSON, &opts); err != nil {
			return nil, fmt.Errorf("sqlstore: failed to scan attribute: %w", err)
		}
		if err := json.Unmarshal([]byte(cfgJSON), &a.Config); err != nil {
			return nil, fmt.Errorf("sqlstore: attribute %s has invalid config: %w", a.Slug, err)
		}
		if err := json.Unmarshal([]byte(opts), &a.Options); err != nil {
			return nil, fmt.Errorf("sqlstore: attribute %s has invalid options: %w", a.Slug, err)
		}
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}

// QueryRecords returns records of an object matching every filter entry.
func (s *Store) QueryRecords(ctx context.Context, object string, opts recordstore.QueryOptions) ([]recordstore.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT id, record_values FROM records WHERE object = ? ORDER BY created_at, id"), object)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to query records: %w", err)
	}
	defer rows.Close()

	var records []recordstore.Record
	for rows.Next() {
		var (
			rec recordstore.Record
			raw string
		)
		if err := rows.Scan(&rec.ID, &raw); err != nil {
			return nil, fmt.Errorf("sqlstore: failed to scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &rec.Values); err != nil {
			return nil, fmt.Errorf("sqlstore: record %s has invalid values: %w", rec.ID, err)
		}
		rec.Object = object
		if !matchesFilter(rec.Values, opts.Filter) {
			continue
		}
		records = append(records, rec)
		if opts.Limit > 0 && len(records) >= opts.Limit {
			break
		}
	}
	return records, rows.Err()
}

// CreateRecord inserts a record. Schema-backed objects reject unknown
// attributes the way the hosted API does.
func (s *Store) CreateRecord(ctx context.Context, object string, req recordstore.WriteRequest) (*recordstore.Record, error) {
	if err := s.validate(ctx, object, req.Values); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(req.Values)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to marshal values: %w", err)
	}

	id := recordstore.NewRecordID()
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO records (id, object, record_values, created_at, updated_at) VALUES (?, ?, ?, ?, ?)"),
		id, object, string(raw), now, now,
	); err != nil {
		return nil, fmt.Errorf("sqlstore: failed to insert record: %w", err)
	}

	return &recordstore.Record{ID: id, Object: object, Values: req.Values}, nil
}

// PatchRecord merges values into an existing record.
func (s *Store) PatchRecord(ctx context.Context, object, recordID string, req recordstore.WriteRequest) (*recordstore.Record, error) {
	if err := s.validate(ctx, object, req.Values); err != nil {
		return nil, err
	}

	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT record_values FROM records WHERE id = ? AND object = ?"), recordID, object).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlstore: record %s: %w", recordID, recordstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to load record: %w", err)
	}

	values := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("sqlstore: record %s has invalid values: %w", recordID, err)
	}
	for k, v := range req.Values {
		values[k] = v
	}

	merged, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to marshal values: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE records SET record_values = ?, updated_at = ? WHERE id = ?"),
		string(merged), s.now().UTC(), recordID,
	); err != nil {
		return nil, fmt.Errorf("sqlstore: failed to update record: %w", err)
	}

	return &recordstore.Record{ID: recordID, Object: object, Values: values}, nil
}

func (s *Store) validate(ctx context.Context, object string, values map[string]interface{}) error {
	if recordstore.IsAuxiliary(object) {
		return nil
	}
	attrs, err := s.ListAttributes(ctx, object)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		known[a.Slug] = true
	}
	var unknown []string
	for k := range values {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("sqlstore: unknown attributes %s on %s: %w",
			strings.Join(unknown, ", "), object, recordstore.ErrInvalidInput)
	}
	return nil
}

// matchesFilter applies equality filters; strings compare case-insensitively
// and a filter on a multivalue attribute matches any element.
func matchesFilter(values, filter map[string]interface{}) bool {
	for k, want := range filter {
		if !valueEquals(values[k], want) {
			return false
		}
	}
	return true
}

func valueEquals(have, want interface{}) bool {
	switch h := have.(type) {
	case []interface{}:
		for _, item := range h {
			if valueEquals(item, want) {
				return true
			}
		}
		return false
	case string:
		w, ok := want.(string)
		return ok && strings.EqualFold(h, w)
	case map[string]interface{}:
		if w, ok := want.(string); ok {
			for _, v := range h {
				if s, ok := v.(string); ok && strings.EqualFold(s, w) {
					return true
				}
			}
		}
		return false
	default:
		return fmt.Sprint(have) == fmt.Sprint(want)
	}
}
