package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

const testPath = "/a.db"

func TestCoordinator_SharedReaders(t *testing.T) {
	c := NewCoordinator(PolicyStrict, 0)
	a, b := c.NewOwner(), c.NewOwner()

	require.NoError(t, c.Lock(testPath, a, Shared))
	require.NoError(t, c.Lock(testPath, b, Shared))
	assert.Equal(t, 2, c.Holders(testPath))
	assert.False(t, c.CheckReserved(testPath))

	// Same or lower level is a no-op.
	require.NoError(t, c.Lock(testPath, a, Shared))
	require.NoError(t, c.Lock(testPath, a, None))
	assert.Equal(t, Shared, c.Level(testPath, a))
}

func TestCoordinator_ExclusiveWaitsForReaders(t *testing.T) {
	c := NewCoordinator(PolicyStrict, 0)
	writer, reader := c.NewOwner(), c.NewOwner()

	require.NoError(t, c.Lock(testPath, writer, Shared))
	require.NoError(t, c.Lock(testPath, reader, Shared))
	require.NoError(t, c.Lock(testPath, writer, Reserved))
	assert.True(t, c.CheckReserved(testPath))

	err := c.Lock(testPath, writer, Exclusive)
	require.Error(t, err)
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindBusy))
	assert.Equal(t, Pending, c.Level(testPath, writer))

	// Pending keeps new readers out.
	late := c.NewOwner()
	err = c.Lock(testPath, late, Shared)
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindBusy))

	require.NoError(t, c.Unlock(testPath, reader, None))
	require.NoError(t, c.Lock(testPath, writer, Exclusive))
	assert.Equal(t, Exclusive, c.Level(testPath, writer))

	require.NoError(t, c.Unlock(testPath, writer, Shared))
	assert.Equal(t, Shared, c.Level(testPath, writer))
	require.NoError(t, c.Lock(testPath, late, Shared))
}

func TestCoordinator_Transitions(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		setup    func(c *Coordinator, self, other Owner)
		want     Level
		wantKind vfserrors.Kind
	}{
		{
			name:   "shared to reserved with no writer",
			policy: PolicyStrict,
			setup: func(c *Coordinator, self, other Owner) {
				c.Lock(testPath, self, Shared)
				c.Lock(testPath, other, Shared)
			},
			want: Reserved,
		},
		{
			name:   "second reserved is busy",
			policy: PolicyStrict,
			setup: func(c *Coordinator, self, other Owner) {
				c.Lock(testPath, self, Shared)
				c.Lock(testPath, other, Shared)
				c.Lock(testPath, other, Reserved)
			},
			want:     Reserved,
			wantKind: vfserrors.KindBusy,
		},
		{
			name:   "exclusive from shared while other reserved",
			policy: PolicyStrict,
			setup: func(c *Coordinator, self, other Owner) {
				c.Lock(testPath, self, Shared)
				c.Lock(testPath, other, Shared)
				c.Lock(testPath, other, Reserved)
			},
			want:     Exclusive,
			wantKind: vfserrors.KindBusy,
		},
		{
			name:   "exclusive from shared when alone",
			policy: PolicyStrict,
			setup: func(c *Coordinator, self, other Owner) {
				c.Lock(testPath, self, Shared)
			},
			want: Exclusive,
		},
		{
			name:     "skipping shared is busy",
			policy:   PolicyStrict,
			setup:    func(c *Coordinator, self, other Owner) {},
			want:     Reserved,
			wantKind: vfserrors.KindBusy,
		},
		{
			name:   "direct pending strict",
			policy: PolicyStrict,
			setup: func(c *Coordinator, self, other Owner) {
				c.Lock(testPath, self, Shared)
			},
			want:     Pending,
			wantKind: vfserrors.KindBusy,
		},
		{
			name:   "direct pending cooperative",
			policy: PolicyCooperative,
			setup: func(c *Coordinator, self, other Owner) {
				c.Lock(testPath, self, Shared)
			},
			want:     Pending,
			wantKind: vfserrors.KindUnsupported,
		},
		{
			name:   "shared while other exclusive",
			policy: PolicyStrict,
			setup: func(c *Coordinator, self, other Owner) {
				c.Lock(testPath, other, Shared)
				c.Lock(testPath, other, Exclusive)
			},
			want:     Shared,
			wantKind: vfserrors.KindBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator(tt.policy, 0)
			self, other := c.NewOwner(), c.NewOwner()
			tt.setup(c, self, other)

			err := c.Lock(testPath, self, tt.want)
			if tt.wantKind == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, c.Level(testPath, self))
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, vfserrors.KindOf(err))
		})
	}
}

func TestCoordinator_CooperativeReservedRetries(t *testing.T) {
	c := NewCoordinator(PolicyCooperative, 500*time.Millisecond)
	self, other := c.NewOwner(), c.NewOwner()

	require.NoError(t, c.Lock(testPath, self, Shared))
	require.NoError(t, c.Lock(testPath, other, Shared))
	require.NoError(t, c.Lock(testPath, other, Reserved))

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Unlock(testPath, other, Shared)
	}()

	require.NoError(t, c.Lock(testPath, self, Reserved))
	assert.Equal(t, Reserved, c.Level(testPath, self))
}

func TestCoordinator_CooperativeReservedGivesUp(t *testing.T) {
	c := NewCoordinator(PolicyCooperative, 30*time.Millisecond)
	self, other := c.NewOwner(), c.NewOwner()

	require.NoError(t, c.Lock(testPath, self, Shared))
	require.NoError(t, c.Lock(testPath, other, Shared))
	require.NoError(t, c.Lock(testPath, other, Reserved))

	start := time.Now()
	err := c.Lock(testPath, self, Reserved)
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindBusy))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCoordinator_CooperativeReservedWithoutSharedFailsFast(t *testing.T) {
	c := NewCoordinator(PolicyCooperative, 2*time.Second)
	owner := c.NewOwner()

	start := time.Now()
	err := c.Lock(testPath, owner, Reserved)
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindBusy))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, None, c.Level(testPath, owner))
}

func TestCoordinator_UnlockAndForget(t *testing.T) {
	c := NewCoordinator(PolicyStrict, 0)
	a := c.NewOwner()

	require.NoError(t, c.Lock(testPath, a, Shared))
	require.NoError(t, c.Lock(testPath, a, Reserved))

	err := c.Unlock(testPath, a, Reserved)
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindUnsupported))

	c.Forget(testPath, a)
	assert.Equal(t, None, c.Level(testPath, a))
	assert.Equal(t, 0, c.Holders(testPath))
	assert.False(t, c.CheckReserved(testPath))
}
