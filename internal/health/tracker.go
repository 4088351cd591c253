// Package health tracks the health of installed VFS instances and serves it as
// JSON next to the metrics endpoint.
//
// A component degrades after ErrorThreshold consecutive backend failures and
// becomes unavailable after UnavailableThreshold. Failures that only affect
// writes, such as a full pool, leave it read-only instead of degraded. A single
// success walks the error count back down, and a component recovers once the
// count reaches zero. A component can also be forced into a state, which is how
// an open commit breaker is reported.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// State is the health of one component.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateReadOnly
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Component is a point-in-time view of one tracked component.
type Component struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	// Reason is set while the state is forced.
	Reason string `json:"reason,omitempty"`
}

// Config sets the degradation thresholds.
type Config struct {
	ErrorThreshold       int
	UnavailableThreshold int
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{ErrorThreshold: 3, UnavailableThreshold: 10}
}

// StateChangeFunc is called, without the tracker lock held, after a component
// changes state.
type StateChangeFunc func(component string, from, to State)

type component struct {
	Component
	forced bool
}

// Tracker holds the health of every registered component.
type Tracker struct {
	config Config

	mu         sync.RWMutex
	components map[string]*component
	callbacks  []StateChangeFunc
	logger     *log.Entry
}

// NewTracker returns an empty tracker. Zero thresholds take their defaults.
func NewTracker(config Config) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = def.UnavailableThreshold
		if config.UnavailableThreshold < config.ErrorThreshold {
			config.UnavailableThreshold = config.ErrorThreshold
		}
	}
	return &Tracker{
		config:     config,
		components: make(map[string]*component),
		logger:     log.WithField("component", "health"),
	}
}

// Register starts tracking name as healthy. Registering a tracked name is a no-op.
func (t *Tracker) Register(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.components[name]; !ok {
		t.components[name] = &component{Component: Component{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: time.Now(),
		}}
	}
}

// Unregister stops tracking name.
func (t *Tracker) Unregister(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.components, name)
	t.mu.Unlock()
}

// OnStateChange adds a callback run after every state change.
func (t *Tracker) OnStateChange(fn StateChangeFunc) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

// RecordSuccess records a successful backend call.
func (t *Tracker) RecordSuccess(name string) {
	if t == nil {
		return
	}
	t.update(name, func(c *component) {
		if c.ConsecutiveErrors == 0 {
			return
		}
		c.ConsecutiveErrors--
		if c.ConsecutiveErrors == 0 && !c.forced {
			c.LastError = ""
			t.transition(c, StateHealthy)
		}
	})
}

// RecordError records a failed backend call.
func (t *Tracker) RecordError(name string, err error) {
	if t == nil {
		return
	}
	t.update(name, func(c *component) {
		c.ConsecutiveErrors++
		if err != nil {
			c.LastError = err.Error()
		}
		if c.forced {
			return
		}
		switch {
		case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
			t.transition(c, StateUnavailable)
		case c.ConsecutiveErrors >= t.config.ErrorThreshold:
			if isWriteError(err) {
				t.transition(c, StateReadOnly)
			} else {
				t.transition(c, StateDegraded)
			}
		}
	})
}

// Force holds name in state until Release is called, whatever calls are recorded.
func (t *Tracker) Force(name string, state State, reason string) {
	if t == nil {
		return
	}
	t.update(name, func(c *component) {
		c.forced = true
		c.Reason = reason
		t.transition(c, state)
	})
}

// Release ends a forced state. The component returns to the state its error count
// implies.
func (t *Tracker) Release(name string) {
	if t == nil {
		return
	}
	t.update(name, func(c *component) {
		if !c.forced {
			return
		}
		c.forced = false
		c.Reason = ""
		switch {
		case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
			t.transition(c, StateUnavailable)
		case c.ConsecutiveErrors >= t.config.ErrorThreshold:
			t.transition(c, StateDegraded)
		default:
			t.transition(c, StateHealthy)
		}
	})
}

// State returns the state of name. Untracked components are unavailable.
func (t *Tracker) State(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, ok := t.components[name]; ok {
		return c.State
	}
	return StateUnavailable
}

// Components returns every tracked component sorted by name.
func (t *Tracker) Components() []Component {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Component, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, c.Component)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst state of any component, or healthy when none is
// tracked.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// Handler serves the overall state and every component as JSON. The status code
// is 503 while any component is unavailable.
func (t *Tracker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		overall := t.Overall()
		body := struct {
			Status     State       `json:"status"`
			Components []Component `json:"components"`
		}{overall, t.Components()}

		w.Header().Set("Content-Type", "application/json")
		if overall == StateUnavailable {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	})
}

// update applies fn to name under the lock and runs callbacks for any change.
func (t *Tracker) update(name string, fn func(c *component)) {
	t.mu.Lock()
	c, ok := t.components[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	from := c.State
	fn(c)
	to := c.State
	callbacks := t.callbacks
	t.mu.Unlock()

	if from == to {
		return
	}
	t.logger.WithFields(log.Fields{"vfs": name, "from": from, "to": to}).Warn("health changed")
	for _, cb := range callbacks {
		cb(name, from, to)
	}
}

// transition must be called with the lock held.
func (t *Tracker) transition(c *component, state State) {
	if c.State == state {
		return
	}
	c.State = state
	c.LastStateChange = time.Now()
	if state == StateHealthy {
		c.ConsecutiveErrors = 0
	}
}

// isWriteError reports failures that leave reads working.
func isWriteError(err error) bool {
	switch vfserrors.KindOf(err) {
	case vfserrors.KindResourceExhausted, vfserrors.KindUnsupported:
		return true
	}
	return false
}
