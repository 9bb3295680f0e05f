package engine

import (
	"fmt"
	"time"

	"github.com/scrypster/crmsync/internal/cache"
	"github.com/scrypster/crmsync/internal/llm"
	"github.com/scrypster/crmsync/internal/logger"
	"github.com/scrypster/crmsync/internal/metrics"
	"github.com/scrypster/crmsync/internal/recordstore"
	"github.com/scrypster/crmsync/internal/schema"
)

// Config tunes a run.
type Config struct {
	// MaxCatalogObjects bounds the object list shown to the planner (default: 10).
	MaxCatalogObjects int

	// SearchPageSize is the record limit of live searches (default: 100).
	SearchPageSize int

	// Temperature is the sampling temperature for every model call (default: 0.1).
	Temperature float64

	// Now is the clock used for the date in prompts.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxCatalogObjects: 10,
		SearchPageSize:    100,
		Temperature:       0.1,
		Now:               time.Now,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.MaxCatalogObjects < 1 {
		return fmt.Errorf("MaxCatalogObjects must be >= 1, got %d", c.MaxCatalogObjects)
	}
	if c.SearchPageSize < 1 {
		return fmt.Errorf("SearchPageSize must be >= 1, got %d", c.SearchPageSize)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("Temperature must be between 0 and 2, got %v", c.Temperature)
	}
	return nil
}

// Context holds the collaborators shared by every run of a host session:
// the schema catalog, the record store, the model and the caches. The
// store and model are expected to carry their own rate limiters. All fields
// are safe for concurrent use.
type Context struct {
	Catalog *schema.Catalog
	Store   recordstore.Store
	Model   llm.TextGenerator

	// ModelCache holds detection responses keyed by normalized input text.
	ModelCache *cache.Cache[string]

	// Resolutions maps "object:value" to record ids across runs.
	Resolutions *cache.Cache[string]

	Log     *logger.Logger
	Metrics *metrics.Metrics
	Config  Config
}

func (c *Context) validate() error {
	if c == nil {
		return fmt.Errorf("engine context is required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("schema catalog is required")
	}
	if c.Store == nil {
		return fmt.Errorf("record store is required")
	}
	if c.Model == nil {
		return fmt.Errorf("text generator is required")
	}
	if c.Log == nil {
		c.Log = logger.NewNop()
	}
	if c.Resolutions == nil {
		c.Resolutions = cache.New[string](cache.Config{Name: "resolution", TTL: time.Hour})
	}
	if c.Config.Now == nil {
		c.Config.Now = time.Now
	}
	return c.Config.Validate()
}
