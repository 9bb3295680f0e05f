// Package recordstore defines the schema-driven record API the engine
// reconciles against. Implementations: attio (HTTP) and sqlstore (SQL).
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an object or record does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)

// ObjectKind distinguishes schema-backed objects from auxiliary resources.
type ObjectKind int

const (
	KindSchema ObjectKind = iota
	KindAuxiliary
)

func (k ObjectKind) String() string {
	if k == KindAuxiliary {
		return "auxiliary"
	}
	return "schema"
}

// Object is a record type (companies, people, deals, tasks, ...).
type Object struct {
	ID          string     `json:"id"`
	Slug        string     `json:"slug"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Kind        ObjectKind `json:"-"`
}

// Attribute is one field of an object.
type Attribute struct {
	ID         string          `json:"id"`
	Slug       string          `json:"slug"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Required   bool            `json:"required"`
	Multivalue bool            `json:"multivalue"`
	Config     AttributeConfig `json:"config"`
	Options    []Option        `json:"options,omitempty"`
}

// AttributeConfig carries reference targets for record-reference attributes.
type AttributeConfig struct {
	TargetObject   string `json:"target_object,omitempty" yaml:"target_object"`
	TargetObjectID string `json:"target_object_id,omitempty" yaml:"target_object_id"`
}

// Option is a select/status choice.
type Option struct {
	ID    string `json:"id,omitempty" yaml:"id"`
	Title string `json:"title" yaml:"title"`
}

// Record is a stored record with its attribute values.
type Record struct {
	ID     string                 `json:"id"`
	Object string                 `json:"object"`
	Values map[string]interface{} `json:"values"`
}

// QueryOptions filters QueryRecords. Filter entries are equality matches.
type QueryOptions struct {
	Filter map[string]interface{}
	Limit  int
}

// WriteRequest is the body of a create or patch.
type WriteRequest struct {
	Values map[string]interface{}
}

// Store is the abstract record store.
type Store interface {
	ListObjects(ctx context.Context) ([]Object, error)
	GetObject(ctx context.Context, slug string) (*Object, error)
	ListAttributes(ctx context.Context, objectID string) ([]Attribute, error)
	QueryRecords(ctx context.Context, object string, opts QueryOptions) ([]Record, error)
	CreateRecord(ctx context.Context, object string, req WriteRequest) (*Record, error)
	PatchRecord(ctx context.Context, object, recordID string, req WriteRequest) (*Record, error)
}

// StatusError is a non-2xx response from the record store.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("record store returned status %d: %s", e.Code, e.Body)
}

// auxiliaryResources are non-schema resources with their own endpoints.
var auxiliaryResources = []string{"tasks", "notes", "emails"}

// AuxiliaryResources returns the fixed set of auxiliary resource slugs.
func AuxiliaryResources() []string {
	return append([]string(nil), auxiliaryResources...)
}

// IsAuxiliary reports whether slug names an auxiliary resource.
func IsAuxiliary(slug string) bool {
	for _, s := range auxiliaryResources {
		if s == slug {
			return true
		}
	}
	return false
}

var recordIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsValidRecordID reports whether id has the 8-4-4-4-12 hex layout.
func IsValidRecordID(id string) bool {
	if !recordIDPattern.MatchString(id) {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// NewRecordID returns a fresh random identifier.
func NewRecordID() string {
	return uuid.NewString()
}

// Singular strips a trailing plural suffix from an object slug.
func Singular(slug string) string {
	switch {
	case strings.HasSuffix(slug, "ies"):
		return strings.TrimSuffix(slug, "ies") + "y"
	case strings.HasSuffix(slug, "s"):
		return strings.TrimSuffix(slug, "s")
	default:
		return slug
	}
}
