package recordstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scrypster/crmsync/internal/cache"
	"github.com/scrypster/crmsync/internal/ratelimit"
)

// Paced wraps a Store with the store limiter and read cache, so local
// backends are paced and cached the same way the HTTP client is.
// Writes drop the cached queries of the written object.
type Paced struct {
	inner   Store
	limiter *ratelimit.Limiter
	reads   *cache.Cache[[]byte]
}

// NewPaced wraps inner. A nil limiter or cache disables that layer.
func NewPaced(inner Store, limiter *ratelimit.Limiter, reads *cache.Cache[[]byte]) *Paced {
	return &Paced{inner: inner, limiter: limiter, reads: reads}
}

func (p *Paced) ListObjects(ctx context.Context) ([]Object, error) {
	var out []Object
	err := p.read(ctx, "objects", &out, func(ctx context.Context) (interface{}, error) {
		return p.inner.ListObjects(ctx)
	})
	return out, err
}

func (p *Paced) GetObject(ctx context.Context, slug string) (*Object, error) {
	var out *Object
	err := p.read(ctx, "object:"+slug, &out, func(ctx context.Context) (interface{}, error) {
		return p.inner.GetObject(ctx, slug)
	})
	return out, err
}

func (p *Paced) ListAttributes(ctx context.Context, objectID string) ([]Attribute, error) {
	var out []Attribute
	err := p.read(ctx, "attributes:"+objectID, &out, func(ctx context.Context) (interface{}, error) {
		return p.inner.ListAttributes(ctx, objectID)
	})
	return out, err
}

func (p *Paced) QueryRecords(ctx context.Context, object string, opts QueryOptions) ([]Record, error) {
	filter, err := json.Marshal(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrInvalidInput, err)
	}
	key := fmt.Sprintf("%s%d#%s", queryPrefix(object), opts.Limit, cache.HashKey(string(filter)))

	var out []Record
	err = p.read(ctx, key, &out, func(ctx context.Context) (interface{}, error) {
		return p.inner.QueryRecords(ctx, object, opts)
	})
	return out, err
}

func (p *Paced) CreateRecord(ctx context.Context, object string, req WriteRequest) (*Record, error) {
	var rec *Record
	err := ratelimit.Do(ctx, p.limiter, 0, func(ctx context.Context) error {
		var err error
		rec, err = p.inner.CreateRecord(ctx, object, req)
		return err
	})
	if err == nil {
		p.invalidate(object)
	}
	return rec, err
}

func (p *Paced) PatchRecord(ctx context.Context, object, recordID string, req WriteRequest) (*Record, error) {
	var rec *Record
	err := ratelimit.Do(ctx, p.limiter, 0, func(ctx context.Context) error {
		var err error
		rec, err = p.inner.PatchRecord(ctx, object, recordID, req)
		return err
	})
	if err == nil {
		p.invalidate(object)
	}
	return rec, err
}

func queryPrefix(object string) string {
	return "query:" + object + ":"
}

func (p *Paced) invalidate(object string) {
	if p.reads != nil {
		p.reads.DeletePrefix(queryPrefix(object))
	}
}

// read serves key from the cache or calls fetch through the limiter and
// caches the encoded result. Failures are not cached.
func (p *Paced) read(ctx context.Context, key string, out interface{}, fetch func(context.Context) (interface{}, error)) error {
	if p.reads != nil {
		if data, ok := p.reads.Get(key); ok {
			return json.Unmarshal(data, out)
		}
	}

	var data []byte
	err := ratelimit.Do(ctx, p.limiter, 0, func(ctx context.Context) error {
		v, err := fetch(ctx)
		if err != nil {
			return err
		}
		data, err = json.Marshal(v)
		return err
	})
	if err != nil {
		return err
	}

	if p.reads != nil {
		p.reads.Set(key, data)
	}
	return json.Unmarshal(data, out)
}
