package metrics

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// StatusOK is the status label of a successful operation.
const StatusOK = "ok"

// Collector records dispatch operations and backend state on a private registry.
// A nil or disabled Collector records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec

	backends map[string]*backendCollector

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	// Health serves /health next to the metrics when set.
	Health http.Handler `yaml:"-"`
}

// OperationMetrics tracks metrics for one operation of one VFS
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{Enabled: true, Namespace: "sqlitevfs", Path: "/metrics"}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		backends:   make(map[string]*backendCollector),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	c.initMetrics()

	for _, metric := range []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.errorCounter,
	} {
		if err := c.registry.Register(metric); err != nil {
			return nil, vfserrors.Wrap(vfserrors.KindInvalidConfig, err, "failed to register metrics").
				WithComponent("metrics")
		}
	}
	return c, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// Registry returns the private registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the registry on the configured address until ctx is done. It does
// nothing when no address is configured.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() || c.config.Address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	if c.config.Health != nil {
		mux.Handle("/health", c.config.Health)
	} else {
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		})
	}

	c.server = &http.Server{
		Addr:              c.config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", c.config.Address)
	if err != nil {
		c.server = nil
		return vfserrors.Wrap(vfserrors.KindInvalidConfig, err, "metrics address unavailable").
			WithComponent("metrics").WithDetail("address", c.config.Address)
	}

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithFields(log.Fields{"component": "metrics", "err": err}).Error("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()
	return nil
}

// Stop shuts the metrics server down
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records one dispatch call. status is StatusOK or the result code
// returned to the engine.
func (c *Collector) RecordOperation(vfs, operation string, duration time.Duration, size int64, status string) {
	if !c.enabled() {
		return
	}

	success := status == StatusOK
	key := vfs + "." + operation

	c.mu.Lock()
	op, ok := c.operations[key]
	if !ok {
		op = &OperationMetrics{}
		c.operations[key] = op
	}
	op.Count++
	op.TotalDuration += duration
	op.TotalSize += size
	if !success {
		op.Errors++
	}
	op.LastOperation = time.Now()
	op.AvgDuration = time.Duration(int64(op.TotalDuration) / op.Count)
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"vfs":       vfs,
		"operation": operation,
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"vfs":       vfs,
		"operation": operation,
	}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{
			"vfs":       vfs,
			"operation": operation,
		}).Observe(float64(size))
	}
}

// RecordError counts a backend failure by its kind.
func (c *Collector) RecordError(vfs, operation string, err error) {
	if !c.enabled() || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"vfs":       vfs,
		"operation": operation,
		"kind":      string(vfserrors.KindOf(err)),
	}).Inc()
}

// Snapshot returns a copy of the internal per-operation tracking keyed by
// "vfs.operation".
func (c *Collector) Snapshot() map[string]OperationMetrics {
	if !c.enabled() {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics resets the internal tracking. Prometheus counters are not reset.
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "operations_total",
			Help:      "Total number of VFS operations by result",
		},
		[]string{"vfs", "operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "operation_duration_seconds",
			Help:      "Duration of VFS operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		},
		[]string{"vfs", "operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "operation_size_bytes",
			Help:      "Bytes moved by read and write operations",
			Buckets:   prometheus.ExponentialBuckets(512, 2, 12), // 512B to 1MiB
		},
		[]string{"vfs", "operation"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Total number of backend errors by kind",
		},
		[]string{"vfs", "operation", "kind"},
	)
}
