package objectstore

import (
	"context"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// Algorithm names a block compression scheme.
type Algorithm string

const (
	AlgorithmNone   Algorithm = "none"
	AlgorithmSnappy Algorithm = "snappy"
	AlgorithmZstd   Algorithm = "zstd"
)

// Every encoded value starts with one tag byte, so values written under one
// algorithm stay readable after the configuration changes.
const (
	tagNone   byte = 0
	tagSnappy byte = 1
	tagZstd   byte = 2
)

// Codec is a Store that compresses values before handing them to the next store.
type Codec struct {
	next      Store
	algorithm Algorithm

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec wraps next. An empty algorithm means none.
func NewCodec(next Store, algorithm Algorithm) (*Codec, error) {
	if algorithm == "" {
		algorithm = AlgorithmNone
	}
	c := &Codec{next: next, algorithm: algorithm}

	switch algorithm {
	case AlgorithmNone, AlgorithmSnappy:
	case AlgorithmZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, errors.WithMessage(err, "create zstd encoder")
		}
		c.encoder = enc
	default:
		return nil, vfserrors.Newf(vfserrors.KindInvalidConfig, "unknown codec algorithm %q", algorithm).
			WithComponent("codec")
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.WithMessage(err, "create zstd decoder")
	}
	c.decoder = dec
	return c, nil
}

// Get implements Store.
func (c *Codec) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.decode(key, raw)
}

// Put implements Store.
func (c *Codec) Put(ctx context.Context, key string, value []byte) error {
	return c.next.Put(ctx, key, c.encode(value))
}

// Delete implements Store.
func (c *Codec) Delete(ctx context.Context, key string) error {
	return c.next.Delete(ctx, key)
}

// List implements Store.
func (c *Codec) List(ctx context.Context, prefix string) ([]string, error) {
	return c.next.List(ctx, prefix)
}

// Close closes the codec and the wrapped store.
func (c *Codec) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	c.decoder.Close()
	return c.next.Close()
}

func (c *Codec) encode(value []byte) []byte {
	switch c.algorithm {
	case AlgorithmSnappy:
		return append([]byte{tagSnappy}, snappy.Encode(nil, value)...)
	case AlgorithmZstd:
		return c.encoder.EncodeAll(value, []byte{tagZstd})
	default:
		return append([]byte{tagNone}, value...)
	}
}

func (c *Codec) decode(key string, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, corrupt(key, errors.New("empty value"))
	}
	switch raw[0] {
	case tagNone:
		return raw[1:], nil
	case tagSnappy:
		out, err := snappy.Decode(nil, raw[1:])
		if err != nil {
			return nil, corrupt(key, err)
		}
		return out, nil
	case tagZstd:
		out, err := c.decoder.DecodeAll(raw[1:], nil)
		if err != nil {
			return nil, corrupt(key, err)
		}
		return out, nil
	default:
		return nil, corrupt(key, errors.Errorf("unknown codec tag %d", raw[0]))
	}
}

func corrupt(key string, err error) error {
	return storeError("codec", "decode", key, err)
}
