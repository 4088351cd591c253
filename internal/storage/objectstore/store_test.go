package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	sqliteStore, err := NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqliteStore,
		"s3":     newS3WithClient(newFakeS3(), "bucket", "tenant"),
	}
	for _, algorithm := range []Algorithm{AlgorithmNone, AlgorithmSnappy, AlgorithmZstd} {
		codec, err := NewCodec(NewMemory(), algorithm)
		require.NoError(t, err)
		stores["codec-"+string(algorithm)] = codec
	}
	return stores
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, store := range newStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			_, err := store.Get(ctx, "index")
			assert.True(t, vfserrors.IsKind(err, vfserrors.KindNotFound), "got %v", err)

			payload := bytes.Repeat([]byte("page"), 1024)
			require.NoError(t, store.Put(ctx, "index", []byte(`{"version":1}`)))
			require.NoError(t, store.Put(ctx, "blocks/a.db/0000000000000001", payload))
			require.NoError(t, store.Put(ctx, "blocks/a.db/0000000000000000", []byte{}))
			require.NoError(t, store.Put(ctx, "blocks/b.db/0000000000000000", []byte("b")))

			got, err := store.Get(ctx, "blocks/a.db/0000000000000001")
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			got, err = store.Get(ctx, "blocks/a.db/0000000000000000")
			require.NoError(t, err)
			assert.Empty(t, got)

			keys, err := store.List(ctx, "blocks/a.db/")
			require.NoError(t, err)
			assert.Equal(t, []string{"blocks/a.db/0000000000000000", "blocks/a.db/0000000000000001"}, keys)

			require.NoError(t, store.Put(ctx, "index", []byte(`{"version":2}`)))
			got, err = store.Get(ctx, "index")
			require.NoError(t, err)
			assert.Equal(t, `{"version":2}`, string(got))

			require.NoError(t, store.Delete(ctx, "blocks/b.db/0000000000000000"))
			require.NoError(t, store.Delete(ctx, "blocks/b.db/0000000000000000"))
			keys, err = store.List(ctx, "blocks/")
			require.NoError(t, err)
			assert.Len(t, keys, 2)
		})
	}
}

func TestCodec_CompressesAndReadsMixed(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	plain, err := NewCodec(mem, AlgorithmNone)
	require.NoError(t, err)
	require.NoError(t, plain.Put(ctx, "old", []byte("written before compression")))

	zstdCodec, err := NewCodec(mem, AlgorithmZstd)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0}, 8192)
	require.NoError(t, zstdCodec.Put(ctx, "new", payload))

	raw, err := mem.Get(ctx, "new")
	require.NoError(t, err)
	assert.Less(t, len(raw), len(payload))

	got, err := zstdCodec.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "written before compression", string(got))

	got, err = zstdCodec.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, mem.Put(ctx, "junk", []byte{9, 1, 2}))
	_, err = zstdCodec.Get(ctx, "junk")
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindIO))

	_, err = NewCodec(mem, "lz4")
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindInvalidConfig))
}

func TestS3_Prefix(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := newS3WithClient(fake, "bucket", "tenant")

	require.NoError(t, store.Put(ctx, "index", []byte("x")))
	_, ok := fake.objects["tenant/index"]
	assert.True(t, ok)

	keys, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"index"}, keys)
}

func TestNewS3_EmptyBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{Region: "us-east-1"})
	require.Error(t, err)
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindInvalidConfig))
}

func TestPrefixed_ScopesKeys(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	a := NewPrefixed(mem, "tenant-a")
	b := NewPrefixed(mem, "tenant-b/")

	require.NoError(t, a.Put(ctx, "index", []byte("a")))
	require.NoError(t, b.Put(ctx, "index", []byte("b")))

	got, err := a.Get(ctx, "index")
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))

	keys, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"index"}, keys)

	raw, err := mem.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a/index", "tenant-b/index"}, raw)

	require.NoError(t, a.Delete(ctx, "index"))
	_, err = a.Get(ctx, "index")
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindNotFound))
}
