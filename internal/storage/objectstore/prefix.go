package objectstore

import (
	"context"
	"strings"
)

// Prefixed scopes every key of the next store under a namespace, so several
// relaxed VFS instances can share one store.
type Prefixed struct {
	next   Store
	prefix string
}

// NewPrefixed returns next scoped to namespace. Keys are stored as
// "<namespace>/<key>".
func NewPrefixed(next Store, namespace string) *Prefixed {
	return &Prefixed{next: next, prefix: strings.TrimSuffix(namespace, "/") + "/"}
}

func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.next.Get(ctx, p.prefix+key)
}

func (p *Prefixed) Put(ctx context.Context, key string, value []byte) error {
	return p.next.Put(ctx, p.prefix+key, value)
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.next.Delete(ctx, p.prefix+key)
}

func (p *Prefixed) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.next.List(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		keys[i] = strings.TrimPrefix(key, p.prefix)
	}
	return keys, nil
}

func (p *Prefixed) Close() error {
	return p.next.Close()
}
