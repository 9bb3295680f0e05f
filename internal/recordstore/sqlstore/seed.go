package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/crmsync/internal/recordstore"
)

// SeedFile is the YAML layout accepted by Seed.
type SeedFile struct {
	Objects []SeedObject                        `yaml:"objects"`
	Records map[string][]map[string]interface{} `yaml:"records"`
}

// SeedObject declares an object and its attributes.
type SeedObject struct {
	Slug        string          `yaml:"slug"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Attributes  []SeedAttribute `yaml:"attributes"`
}

// SeedAttribute declares one attribute.
type SeedAttribute struct {
	Slug       string                      `yaml:"slug"`
	Name       string                      `yaml:"name"`
	Type       string                      `yaml:"type"`
	Required   bool                        `yaml:"required"`
	Multivalue bool                        `yaml:"multivalue"`
	Config     recordstore.AttributeConfig `yaml:"config"`
	Options    []recordstore.Option        `yaml:"options"`
}

// Seed loads objects, attributes and sample records from YAML. Objects that
// already exist are left untouched, and records are only inserted into
// objects that have none, so seeding twice is harmless.
func (s *Store) Seed(ctx context.Context, data []byte) error {
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("sqlstore: failed to parse seed: %w", err)
	}

	for _, obj := range file.Objects {
		if err := s.seedObject(ctx, obj); err != nil {
			return err
		}
	}

	for object, records := range file.Records {
		existing, err := s.QueryRecords(ctx, object, recordstore.QueryOptions{Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		for _, values := range records {
			if _, err := s.CreateRecord(ctx, object, recordstore.WriteRequest{Values: normalizeYAML(values).(map[string]interface{})}); err != nil {
				return fmt.Errorf("sqlstore: failed to seed %s record: %w", object, err)
			}
		}
	}
	return nil
}

func (s *Store) seedObject(ctx context.Context, obj SeedObject) error {
	if _, err := s.GetObject(ctx, obj.Slug); err == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: failed to begin seed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	objectID := recordstore.NewRecordID()
	if _, err := tx.ExecContext(ctx, s.rebind(
		"INSERT INTO objects (id, slug, name, description) VALUES (?, ?, ?, ?)"),
		objectID, obj.Slug, obj.Name, obj.Description,
	); err != nil {
		return fmt.Errorf("sqlstore: failed to seed object %s: %w", obj.Slug, err)
	}

	for i, a := range obj.Attributes {
		cfg, err := json.Marshal(a.Config)
		if err != nil {
			return fmt.Errorf("sqlstore: failed to marshal config: %w", err)
		}
		opts := a.Options
		if opts == nil {
			opts = []recordstore.Option{}
		}
		optJSON, err := json.Marshal(opts)
		if err != nil {
			return fmt.Errorf("sqlstore: failed to marshal options: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO attributes (id, object_id, slug, name, type, required, multivalue, config, options, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			recordstore.NewRecordID(), objectID, a.Slug, a.Name, a.Type, a.Required, a.Multivalue,
			string(cfg), string(optJSON), i,
		); err != nil {
			return fmt.Errorf("sqlstore: failed to seed attribute %s.%s: %w", obj.Slug, a.Slug, err)
		}
	}

	return tx.Commit()
}

// normalizeYAML converts yaml.v3's map[string]interface{} trees (which may
// hold map[interface{}]interface{} from flow mappings) into JSON-safe values.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, inner := range t {
			out[k] = normalizeYAML(inner)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, inner := range t {
			out[fmt.Sprint(k)] = normalizeYAML(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, inner := range t {
			out[i] = normalizeYAML(inner)
		}
		return out
	default:
		return v
	}
}
