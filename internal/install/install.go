// Package install performs the one-time asynchronous setup of a VFS variant and
// registers its dispatch table with the engine. Nothing is registered until every
// step has succeeded; a failed or cancelled installation closes whatever it opened.
package install

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/objectfs/sqlitevfs/internal/circuit"
	"github.com/objectfs/sqlitevfs/internal/config"
	"github.com/objectfs/sqlitevfs/internal/health"
	"github.com/objectfs/sqlitevfs/internal/lock"
	"github.com/objectfs/sqlitevfs/internal/metrics"
	"github.com/objectfs/sqlitevfs/internal/pool"
	"github.com/objectfs/sqlitevfs/internal/relaxed"
	"github.com/objectfs/sqlitevfs/internal/storage/objectstore"
	"github.com/objectfs/sqlitevfs/internal/storage/opfs"
	"github.com/objectfs/sqlitevfs/internal/vfs"
	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
	"github.com/objectfs/sqlitevfs/pkg/sqlite"
)

// Option customises an installation.
type Option func(*options)

type options struct {
	fs      afero.Fs
	store   objectstore.Store
	metrics *metrics.Collector
	health  *health.Tracker
}

// WithFs makes the pool variant open its namespace on fs instead of the filesystem
// named by the configuration.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithStore makes the relaxed variant use store instead of building one from the
// configuration. The caller keeps ownership: teardown does not close it.
func WithStore(store objectstore.Store) Option {
	return func(o *options) { o.store = store }
}

// WithMetrics records dispatch calls and backend state on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithHealth tracks the installed VFS on t. Backend failures degrade it, and an
// open commit breaker holds a relaxed VFS degraded.
func WithHealth(t *health.Tracker) Option {
	return func(o *options) { o.health = t }
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Installed is a registered VFS and everything it holds open.
type Installed struct {
	name    string
	vfs     *vfs.VFS
	pool    *pool.Manager
	ns      *opfs.Namespace
	relaxed *relaxed.Manager
	store   objectstore.Store // closed on teardown only when owned
	owned   bool
	metrics *metrics.Collector
	tracked bool
	health  *health.Tracker
	watched bool
	logger  *log.Entry

	mu   sync.Mutex
	done bool
}

// Name returns the name the VFS is registered under.
func (i *Installed) Name() string {
	return i.name
}

// VFS returns the registered dispatch table.
func (i *Installed) VFS() *vfs.VFS {
	return i.vfs
}

// Pool returns the handle pool, or nil for a relaxed installation.
func (i *Installed) Pool() *pool.Manager {
	return i.pool
}

// Relaxed returns the relaxed store, or nil for a pool installation.
func (i *Installed) Relaxed() *relaxed.Manager {
	return i.relaxed
}

// Teardown unregisters the VFS, closes its open files, drains the relaxed backend
// and closes the backend handles and namespace. The first failure is returned after
// every step has run.
func (i *Installed) Teardown(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.done {
		return nil
	}
	i.done = true

	err := i.release(ctx, true)
	if err != nil {
		i.logger.WithField("err", err).Warn("teardown finished with errors")
		return err
	}
	i.logger.Info("vfs uninstalled")
	return nil
}

// Abandon drops the installation as an abrupt termination would: the VFS is
// unregistered and nothing still dirty in the relaxed backend is committed.
func (i *Installed) Abandon() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.done {
		return
	}
	i.done = true

	if i.relaxed != nil {
		i.relaxed.Abandon()
	}
	_ = i.release(context.Background(), true)
	i.logger.Warn("vfs abandoned")
}

// release closes everything the installation holds, in reverse order of opening.
func (i *Installed) release(ctx context.Context, registered bool) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if registered {
		if err := sqlite.Unregister(i.name); err != nil && !vfserrors.IsKind(err, vfserrors.KindNotFound) {
			keep(err)
		}
	}
	if i.tracked {
		i.metrics.UntrackBackend(i.name)
	}
	if i.watched {
		i.health.Unregister(i.name)
	}
	if i.vfs != nil {
		keep(i.vfs.Close())
	}
	if i.relaxed != nil {
		keep(i.relaxed.Close(ctx))
	}
	if i.pool != nil {
		keep(i.pool.Close())
	}
	if i.ns != nil {
		keep(i.ns.Close())
	}
	if i.store != nil && i.owned {
		keep(i.store.Close())
	}
	return firstErr
}

// rollback undoes a partial installation. Nothing was registered, so nothing the
// relaxed backend holds is worth committing.
func (i *Installed) rollback() {
	if i.relaxed != nil {
		i.relaxed.Abandon()
	}
	if err := i.release(context.Background(), false); err != nil {
		i.logger.WithField("err", err).Warn("rollback failed")
	}
}

// Pool installs the pooled synchronous-access variant described by cfg.
func Pool(ctx context.Context, cfg config.PoolConfig, opts ...Option) (inst *Installed, err error) {
	o := newOptions(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkName(cfg.Name); err != nil {
		return nil, err
	}

	fs := o.fs
	if fs == nil {
		fs = poolFs(cfg.Storage)
	}

	inst = &Installed{
		name:    cfg.Name,
		metrics: o.metrics,
		health:  o.health,
		logger:  log.WithFields(log.Fields{"component": "install", "vfs": cfg.Name, "variant": "pool"}),
	}
	defer func() {
		if err != nil {
			inst.rollback()
			inst = nil
		}
	}()

	if inst.ns, err = opfs.Open(ctx, fs, cfg.Directory, cfg.Exclusive); err != nil {
		return inst, err
	}
	inst.logger.WithField("dir", cfg.Directory).Info("namespace opened")

	if err = step(ctx, "load pool"); err != nil {
		return inst, err
	}
	inst.pool, err = pool.Load(ctx, inst.ns, pool.Options{
		InitialCapacity: cfg.InitialCapacity,
		MaxCapacity:     cfg.MaxCapacity,
		Reset:           cfg.ResetOnInit,
		TransientFlags:  uint32(sqlite.OpenDeleteOnClose),
	})
	if err != nil {
		return inst, err
	}

	if err = step(ctx, "register"); err != nil {
		return inst, err
	}
	inst.vfs = vfs.New(vfs.Options{
		Name:            cfg.Name,
		Backend:         inst.pool,
		Locks:           lock.NewCoordinator(lock.PolicyStrict, 0),
		Metrics:         o.metrics,
		Health:          o.health,
		Characteristics: sqlite.IOCapUndeletableWhenOpen | sqlite.IOCapPowersafeOverwrite,
	})

	p := inst.pool
	if err = inst.track(func() metrics.BackendStats {
		st := p.Stats()
		return metrics.BackendStats{Capacity: st.Capacity, Files: st.Bound, Open: st.Open}
	}); err != nil {
		return inst, err
	}

	if err = sqlite.Register(cfg.Name, inst.vfs, cfg.MakeDefault); err != nil {
		return inst, err
	}
	inst.watch()

	inst.logger.WithFields(log.Fields{
		"capacity": p.Capacity(),
		"files":    p.FileCount(),
		"reset":    cfg.ResetOnInit,
	}).Info("vfs installed")
	return inst, nil
}

// Relaxed installs the deferred-durability variant described by cfg.
func Relaxed(ctx context.Context, cfg config.RelaxedConfig, opts ...Option) (inst *Installed, err error) {
	o := newOptions(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkName(cfg.Name); err != nil {
		return nil, err
	}
	blockSize, err := cfg.BlockSizeBytes()
	if err != nil {
		return nil, err
	}

	inst = &Installed{
		name:    cfg.Name,
		metrics: o.metrics,
		health:  o.health,
		logger:  log.WithFields(log.Fields{"component": "install", "vfs": cfg.Name, "variant": "relaxed"}),
	}
	defer func() {
		if err != nil {
			inst.rollback()
			inst = nil
		}
	}()

	inst.store = o.store
	if inst.store == nil {
		if inst.store, err = openStore(ctx, cfg.Store); err != nil {
			return inst, err
		}
		inst.owned = true
		inst.logger.WithField("store", cfg.Store.Type).Info("object store opened")
	}

	codec, err := objectstore.NewCodec(objectstore.NewPrefixed(inst.store, cfg.Namespace),
		objectstore.Algorithm(cfg.Codec.Algorithm))
	if err != nil {
		return inst, err
	}

	if err = step(ctx, "load relaxed store"); err != nil {
		return inst, err
	}
	inst.relaxed, err = relaxed.Load(ctx, codec, relaxed.Options{
		BlockSize:      blockSize,
		FlushInterval:  cfg.FlushInterval,
		DrainTimeout:   cfg.DrainTimeout,
		TransientFlags: uint32(sqlite.OpenDeleteOnClose),
		Breaker: circuit.Config{
			FailureThreshold: uint32(cfg.CommitBreaker.FailureThreshold),
			Cooldown:         cfg.CommitBreaker.Cooldown,
			OnStateChange:    breakerHealth(o.health, cfg.Name),
		},
	})
	if err != nil {
		return inst, err
	}

	if err = step(ctx, "register"); err != nil {
		return inst, err
	}
	inst.vfs = vfs.New(vfs.Options{
		Name:            cfg.Name,
		Backend:         inst.relaxed,
		Locks:           lock.NewCoordinator(lock.PolicyCooperative, cfg.ReservedWait),
		Metrics:         o.metrics,
		Health:          o.health,
		Characteristics: sqlite.IOCapUndeletableWhenOpen,
	})

	r := inst.relaxed
	if err = inst.track(func() metrics.BackendStats {
		st := r.Stats()
		return metrics.BackendStats{
			Files:          st.Files,
			Open:           st.Open,
			DirtyBlocks:    st.DirtyBlocks,
			PendingRemoval: st.PendingRemoval,
			Commits:        st.Commits,
			CommitFailures: st.CommitFailures,
			BreakerOpen:    st.Breaker == circuit.StateOpen,
		}
	}); err != nil {
		return inst, err
	}

	if err = sqlite.Register(cfg.Name, inst.vfs, cfg.MakeDefault); err != nil {
		return inst, err
	}
	inst.watch()

	inst.logger.WithFields(log.Fields{
		"namespace":  cfg.Namespace,
		"files":      len(r.FileNames()),
		"block_size": r.BlockSize(),
	}).Info("vfs installed")
	return inst, nil
}

// FromConfig installs every enabled variant of cfg. Either all of them are
// registered or none is.
func FromConfig(ctx context.Context, cfg *config.Configuration, opts ...Option) ([]*Installed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Pool.Enabled && !cfg.Relaxed.Enabled {
		return nil, vfserrors.New(vfserrors.KindInvalidConfig, "no vfs is enabled").
			WithComponent("install")
	}

	var installed []*Installed
	undo := func() {
		for i := len(installed) - 1; i >= 0; i-- {
			_ = installed[i].Teardown(context.Background())
		}
	}

	if cfg.Pool.Enabled {
		inst, err := Pool(ctx, cfg.Pool, opts...)
		if err != nil {
			return nil, err
		}
		installed = append(installed, inst)
	}
	if cfg.Relaxed.Enabled {
		inst, err := Relaxed(ctx, cfg.Relaxed, opts...)
		if err != nil {
			undo()
			return nil, err
		}
		installed = append(installed, inst)
	}
	return installed, nil
}

func (i *Installed) track(stats func() metrics.BackendStats) error {
	if i.metrics == nil {
		return nil
	}
	if err := i.metrics.TrackBackend(i.name, stats); err != nil {
		return err
	}
	i.tracked = true
	return nil
}

func (i *Installed) watch() {
	if i.health == nil {
		return
	}
	i.health.Register(i.name)
	i.watched = true
}

// breakerHealth holds name degraded while its commit breaker is open.
func breakerHealth(t *health.Tracker, name string) func(string, circuit.State, circuit.State) {
	if t == nil {
		return nil
	}
	return func(_ string, _, to circuit.State) {
		if to == circuit.StateOpen {
			t.Force(name, health.StateDegraded, "background commits suspended")
		} else {
			t.Release(name)
		}
	}
}

// checkName fails early when name is taken, before anything exclusive is opened.
// Register repeats the check atomically.
func checkName(name string) error {
	if _, err := sqlite.Find(name); err == nil {
		return vfserrors.Newf(vfserrors.KindInvalidState, "vfs %q is already registered", name).
			WithComponent("install").WithOperation("install")
	}
	return nil
}

// step reports a cancelled installation.
func step(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return vfserrors.Wrap(vfserrors.KindInvalidState, err, "installation cancelled").
			WithComponent("install").WithOperation(name)
	}
	return nil
}

func poolFs(storage string) afero.Fs {
	if storage == "memory" {
		return afero.NewMemMapFs()
	}
	return afero.NewOsFs()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (objectstore.Store, error) {
	switch cfg.Type {
	case "sqlite":
		return objectstore.NewSQLite(ctx, cfg.SQLite.Path)
	case "s3":
		return objectstore.NewS3(ctx, objectstore.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			MaxRetries:      cfg.S3.MaxRetries,
		})
	default:
		return objectstore.NewMemory(), nil
	}
}
