// Package schema discovers the record store's objects and attributes and
// turns them into the templates the engine shows the language model.
package schema

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/scrypster/crmsync/internal/logger"
	"github.com/scrypster/crmsync/internal/recordstore"
)

// Catalog is the discovered record store schema. It is populated once by
// Discover and read concurrently afterwards.
type Catalog struct {
	store       recordstore.Store
	log         *logger.Logger
	openapi     *OpenAPIDoc
	concurrency int

	group singleflight.Group

	mu          sync.RWMutex
	initialized bool
	order       []string
	objects     map[string]recordstore.Object
	attributes  map[string][]recordstore.Attribute
	templates   map[string]Template
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Catalog) { c.log = l }
}

// WithOpenAPI supplies a document whose creation schemas take precedence over
// attribute-derived templates.
func WithOpenAPI(doc *OpenAPIDoc) Option {
	return func(c *Catalog) { c.openapi = doc }
}

// WithConcurrency bounds parallel attribute fetches during discovery.
func WithConcurrency(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// New creates an empty catalog over store.
func New(store recordstore.Store, opts ...Option) *Catalog {
	c := &Catalog{
		store:       store,
		log:         logger.NewNop(),
		concurrency: 4,
		objects:     map[string]recordstore.Object{},
		attributes:  map[string][]recordstore.Attribute{},
		templates:   map[string]Template{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "schema")
	return c
}

// Snapshot summarizes the catalog.
type Snapshot struct {
	Initialized    bool             `json:"initialized"`
	Objects        []ObjectSnapshot `json:"objects"`
	AttributeCount int              `json:"attribute_count"`
}

// ObjectSnapshot is one catalog entry.
type ObjectSnapshot struct {
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Attributes int    `json:"attributes"`
}

// Discover loads the schema. After the first success it returns immediately;
// concurrent first callers share a single discovery.
func (c *Catalog) Discover(ctx context.Context) (*Snapshot, error) {
	if c.Initialized() {
		s := c.Info()
		return &s, nil
	}

	_, err, _ := c.group.Do("discover", func() (interface{}, error) {
		if c.Initialized() {
			return nil, nil
		}
		return nil, c.discover(ctx)
	})
	if err != nil {
		return nil, err
	}
	s := c.Info()
	return &s, nil
}

func (c *Catalog) discover(ctx context.Context) error {
	objects, err := c.store.ListObjects(ctx)
	if err != nil {
		return fmt.Errorf("schema: failed to list objects: %w", err)
	}

	attrs := make([][]recordstore.Attribute, len(objects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, obj := range objects {
		if recordstore.IsAuxiliary(obj.Slug) {
			continue
		}
		g.Go(func() error {
			list, err := c.store.ListAttributes(gctx, obj.ID)
			if err != nil {
				c.log.Warn("failed to load attributes", "object", obj.Slug, "error", err)
				return nil
			}
			attrs[i] = list
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("schema: discovery interrupted: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.order = c.order[:0]
	for i, obj := range objects {
		if recordstore.IsAuxiliary(obj.Slug) {
			obj.Kind = recordstore.KindAuxiliary
		}
		c.objects[obj.Slug] = obj
		c.attributes[obj.Slug] = attrs[i]
		c.order = append(c.order, obj.Slug)
	}

	for _, slug := range c.order {
		if c.objects[slug].Kind == recordstore.KindAuxiliary {
			continue
		}
		attrTmpl := c.attributeTemplateLocked(c.attributes[slug])
		if props, ok := c.openapi.ValuesProperties(slug, recordstore.KindSchema); ok {
			c.templates[slug] = templateFromProperties(props, attrTmpl)
			c.log.Debug("template from openapi", "object", slug)
			continue
		}
		c.templates[slug] = attrTmpl
		c.log.Debug("attributes loaded", "object", slug, "count", len(c.attributes[slug]))
	}

	for _, slug := range recordstore.AuxiliaryResources() {
		if _, ok := c.objects[slug]; !ok {
			c.objects[slug] = recordstore.Object{
				ID:          slug,
				Slug:        slug,
				Name:        slug,
				Description: "Top-level resource: " + slug,
				Kind:        recordstore.KindAuxiliary,
			}
			c.order = append(c.order, slug)
		}
		if props, ok := c.openapi.ValuesProperties(slug, recordstore.KindAuxiliary); ok {
			c.templates[slug] = templateFromProperties(props, nil)
		} else {
			c.templates[slug] = fallbackTemplate()
		}
	}

	c.initialized = true
	c.log.Info("schema loaded", "objects", len(c.objects))
	return nil
}

func (c *Catalog) attributeTemplateLocked(attrs []recordstore.Attribute) Template {
	tmpl := make(Template, len(attrs))
	for _, a := range attrs {
		f := Field{
			Kind:       KindOf(a.Type),
			Type:       a.Type,
			Name:       a.Name,
			Required:   a.Required,
			Multivalue: a.Multivalue,
		}
		if f.Kind == KindReference {
			f.Target = c.targetObjectLocked(a)
		}
		for _, o := range a.Options {
			f.Options = append(f.Options, o.Title)
		}
		f.Format = FormatHint(f.Kind, f.Multivalue, f.Target)
		tmpl[a.Slug] = f
	}
	return tmpl
}

// targetObjectLocked resolves the object a reference attribute points at:
// explicit config, then the configured object id, then the type name. The
// first discovered object is the last resort.
func (c *Catalog) targetObjectLocked(a recordstore.Attribute) string {
	if a.Config.TargetObject != "" {
		return a.Config.TargetObject
	}
	if a.Config.TargetObjectID != "" {
		for _, slug := range c.order {
			if c.objects[slug].ID == a.Config.TargetObjectID {
				return slug
			}
		}
	}
	lower := strings.ToLower(a.Type)
	for _, slug := range c.order {
		if strings.Contains(lower, slug) || strings.Contains(lower, recordstore.Singular(slug)) {
			return slug
		}
	}
	if len(c.order) == 0 {
		return ""
	}
	c.log.Warn("could not determine reference target, using first object",
		"attribute", a.Slug, "type", a.Type, "object", c.order[0])
	return c.order[0]
}

// Initialized reports whether Discover has completed.
func (c *Catalog) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Object returns an object by slug.
func (c *Catalog) Object(slug string) (recordstore.Object, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.objects[slug]
	return o, ok
}

// Objects returns every known object in discovery order, auxiliary
// resources last.
func (c *Catalog) Objects() []recordstore.Object {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]recordstore.Object, 0, len(c.order))
	for _, slug := range c.order {
		out = append(out, c.objects[slug])
	}
	return out
}

// Attributes returns the store attributes of an object.
func (c *Catalog) Attributes(slug string) []recordstore.Attribute {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]recordstore.Attribute(nil), c.attributes[slug]...)
}

// Attribute looks up one attribute of an object.
func (c *Catalog) Attribute(object, slug string) (recordstore.Attribute, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.attributes[object] {
		if a.Slug == slug {
			return a, true
		}
	}
	return recordstore.Attribute{}, false
}

// Template returns the full creation template of an object.
func (c *Catalog) Template(slug string) Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.templates[slug]
	out := make(Template, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// FilteredTemplate is Template without protected and actor-reference fields.
func (c *Catalog) FilteredTemplate(slug string) Template {
	tmpl := c.Template(slug)
	for k, f := range tmpl {
		if IsProtected(k) || IsActorReference(f.Type) {
			delete(tmpl, k)
		}
	}
	return tmpl
}

// Field returns one template field.
func (c *Catalog) Field(object, slug string) (Field, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.templates[object][slug]
	return f, ok
}

// TargetObject resolves the object a reference attribute points at.
func (c *Catalog) TargetObject(a recordstore.Attribute) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targetObjectLocked(a)
}

// ReferenceTargets maps each reference field of an object to its target.
func (c *Catalog) ReferenceTargets(slug string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]string{}
	for name, f := range c.templates[slug] {
		if f.Kind == KindReference && f.Target != "" {
			out[name] = f.Target
		}
	}
	return out
}

// SearchableFields lists the attributes used to find existing records:
// text and person-name attributes plus any whose slug mentions a name,
// title or domain. Objects without attributes use a generic list.
func (c *Catalog) SearchableFields(slug string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	attrs := c.attributes[slug]
	if len(attrs) == 0 {
		return append([]string(nil), auxiliarySearchFields...)
	}
	var out []string
	for _, a := range attrs {
		k := KindOf(a.Type)
		if k == KindText || k == KindPersonName ||
			strings.Contains(a.Slug, "name") || strings.Contains(a.Slug, "title") || strings.Contains(a.Slug, "domain") {
			out = append(out, a.Slug)
		}
	}
	return out
}

// IsPersonObject reports whether records of slug represent individuals.
func (c *Catalog) IsPersonObject(slug string) bool {
	switch slug {
	case "people", "person", "contacts":
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if o, ok := c.objects[slug]; ok && o.Kind == recordstore.KindAuxiliary {
		return false
	}
	for _, a := range c.attributes[slug] {
		if a.Slug == "name" && KindOf(a.Type) == KindPersonName {
			return true
		}
	}
	return false
}

// Info summarizes the catalog.
func (c *Catalog) Info() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{Initialized: c.initialized, Objects: []ObjectSnapshot{}}
	for _, slug := range c.order {
		o := c.objects[slug]
		n := len(c.attributes[slug])
		s.AttributeCount += n
		s.Objects = append(s.Objects, ObjectSnapshot{
			Slug:       slug,
			Name:       o.Name,
			Kind:       o.Kind.String(),
			Attributes: n,
		})
	}
	return s
}
