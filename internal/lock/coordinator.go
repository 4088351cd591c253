// Package lock arbitrates the engine's advisory lock protocol per virtual file.
//
// Every connection that opens a file is an Owner. The Coordinator keeps the level
// each owner holds on each path and decides escalations without ever blocking
// indefinitely: conflicts are reported as Busy and the engine retries.
package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// Level is an advisory lock level. Values match the engine's numbering.
type Level uint32

const (
	None      Level = 0
	Shared    Level = 1
	Reserved  Level = 2
	Pending   Level = 3
	Exclusive Level = 4
)

func (l Level) String() string {
	switch l {
	case None:
		return "NONE"
	case Shared:
		return "SHARED"
	case Reserved:
		return "RESERVED"
	case Pending:
		return "PENDING"
	case Exclusive:
		return "EXCLUSIVE"
	}
	return fmt.Sprintf("LEVEL(%d)", uint32(l))
}

// Policy selects how reserved-lock conflicts are arbitrated.
type Policy int

const (
	// PolicyStrict fails a conflicting RESERVED request immediately. The pooled
	// backend already serialises physical access, so a reference check suffices.
	PolicyStrict Policy = iota
	// PolicyCooperative re-checks a conflicting RESERVED request with backoff for a
	// bounded wait before reporting Busy.
	PolicyCooperative
)

// Owner identifies one open connection to a file.
type Owner uint64

// Coordinator tracks lock state for every path of one installed VFS.
type Coordinator struct {
	policy       Policy
	reservedWait time.Duration

	mu        sync.Mutex
	files     map[string]map[Owner]Level
	nextOwner Owner
	logger    *log.Entry
}

// NewCoordinator returns a coordinator. reservedWait only applies to PolicyCooperative.
func NewCoordinator(policy Policy, reservedWait time.Duration) *Coordinator {
	return &Coordinator{
		policy:       policy,
		reservedWait: reservedWait,
		files:        make(map[string]map[Owner]Level),
		logger:       log.WithField("component", "lock"),
	}
}

// NewOwner allocates an owner id for a newly opened connection.
func (c *Coordinator) NewOwner() Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextOwner++
	return c.nextOwner
}

// Level returns the level owner holds on path.
func (c *Coordinator) Level(path string, owner Owner) Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files[path][owner]
}

// Lock escalates owner's lock on path to want. Requests at or below the current
// level succeed without change.
//
// An EXCLUSIVE request that is blocked only by other SHARED holders leaves the owner
// at PENDING, which keeps new readers out, and returns Busy; repeating the request
// succeeds once those readers have unlocked.
func (c *Coordinator) Lock(path string, owner Owner, want Level) error {
	if want == Reserved && c.policy == PolicyCooperative && c.reservedWait > 0 {
		return c.lockCooperative(path, owner)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockLocked(path, owner, want)
}

func (c *Coordinator) lockCooperative(path string, owner Owner) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = c.reservedWait / 4
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = c.reservedWait

	op := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		cur := c.files[path][owner]
		err := c.lockLocked(path, owner, Reserved)
		// Only conflicts with other owners can clear; protocol violations cannot.
		if err != nil && (cur == None || !vfserrors.IsKind(err, vfserrors.KindBusy)) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, b)
}

func (c *Coordinator) lockLocked(path string, owner Owner, want Level) error {
	holders := c.files[path]
	cur := holders[owner]

	if want <= cur {
		return nil
	}
	if cur == None && want != Shared {
		return c.busy(path, owner, cur, want, "must hold SHARED before escalating")
	}

	switch want {
	case Shared:
		if c.othersAtLeast(holders, owner, Pending) {
			return c.busy(path, owner, cur, want, "writer is pending or exclusive")
		}

	case Reserved:
		if c.othersAtLeast(holders, owner, Reserved) {
			return c.busy(path, owner, cur, want, "another connection holds RESERVED")
		}

	case Pending:
		if c.policy == PolicyCooperative {
			return vfserrors.New(vfserrors.KindUnsupported, "direct PENDING request").
				WithComponent("lock").WithOperation("lock").WithPath(path)
		}
		return c.busy(path, owner, cur, want, "direct PENDING request")

	case Exclusive:
		if cur < Reserved && c.othersAtLeast(holders, owner, Reserved) {
			return c.busy(path, owner, cur, want, "another connection holds RESERVED")
		}
		// PENDING is taken first so no new SHARED lock can slip in.
		c.set(path, owner, Pending)
		if c.othersAtLeast(c.files[path], owner, Shared) {
			return c.busy(path, owner, Pending, want, "waiting for readers to release")
		}

	default:
		return vfserrors.Newf(vfserrors.KindUnsupported, "unknown lock level %d", want).
			WithComponent("lock").WithOperation("lock").WithPath(path)
	}

	c.set(path, owner, want)
	return nil
}

// Unlock lowers owner's lock on path to SHARED or NONE.
func (c *Coordinator) Unlock(path string, owner Owner, to Level) error {
	if to != None && to != Shared {
		return vfserrors.Newf(vfserrors.KindUnsupported, "cannot unlock to %s", to).
			WithComponent("lock").WithOperation("unlock").WithPath(path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.files[path][owner] > to {
		c.set(path, owner, to)
	}
	return nil
}

// CheckReserved reports whether any connection holds RESERVED or higher on path.
func (c *Coordinator) CheckReserved(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, level := range c.files[path] {
		if level >= Reserved {
			return true
		}
	}
	return false
}

// Forget drops every lock owner holds on path. Called when a connection closes.
func (c *Coordinator) Forget(path string, owner Owner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(path, owner, None)
}

// Holders returns the number of owners holding at least SHARED on path.
func (c *Coordinator) Holders(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files[path])
}

func (c *Coordinator) set(path string, owner Owner, level Level) {
	holders := c.files[path]
	if level == None {
		if holders != nil {
			delete(holders, owner)
			if len(holders) == 0 {
				delete(c.files, path)
			}
		}
		return
	}
	if holders == nil {
		holders = make(map[Owner]Level)
		c.files[path] = holders
	}
	holders[owner] = level
}

func (c *Coordinator) othersAtLeast(holders map[Owner]Level, owner Owner, level Level) bool {
	for other, held := range holders {
		if other != owner && held >= level {
			return true
		}
	}
	return false
}

func (c *Coordinator) busy(path string, owner Owner, cur, want Level, reason string) error {
	c.logger.WithFields(log.Fields{
		"path":  path,
		"owner": owner,
		"from":  cur,
		"to":    want,
	}).Debug("lock conflict")

	return vfserrors.Newf(vfserrors.KindBusy, "%s to %s: %s", cur, want, reason).
		WithComponent("lock").WithOperation("lock").WithPath(path)
}
