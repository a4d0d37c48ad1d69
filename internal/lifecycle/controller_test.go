package lifecycle

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// populate begins a generation and creates n entry references plus a
// document reference.
func populate(t *testing.T, c *Controller, fingerprint string, n int) string {
	t.Helper()

	id, err := c.Begin(fingerprint)
	require.NoError(t, err)

	creator := c.Creator(id)
	for i := 0; i < n; i++ {
		_, err := creator.Create([]byte{byte(i)}, "application/octet-stream")
		require.NoError(t, err)
	}
	doc, err := creator.Create([]byte("<html></html>"), "text/html; charset=utf-8")
	require.NoError(t, err)
	require.NoError(t, c.SetDocument(id, doc))

	return id
}

func state(t *testing.T, c *Controller, id string) State {
	t.Helper()
	info, ok := c.Generation(id)
	if !ok {
		return StateRevoked
	}
	return info.State
}

func TestCreateAndLookup(t *testing.T) {
	c := NewController(Options{})
	id, err := c.Begin("fp")
	require.NoError(t, err)

	ref, err := c.Create(id, []byte("body"), "text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "/ref/"+ref.ID, ref.URL)
	assert.Equal(t, id, ref.Generation)
	assert.Equal(t, 4, ref.Size)

	obj, status := c.Lookup(ref.ID)
	require.Equal(t, LookupFound, status)
	assert.Equal(t, []byte("body"), obj.Body)
	assert.NotEmpty(t, obj.ETag)

	_, status = c.Lookup("nope")
	assert.Equal(t, LookupUnknown, status)

	assert.True(t, c.Revoke(ref.ID))
	assert.False(t, c.Revoke(ref.ID), "second revoke is a no-op")
	_, status = c.Lookup(ref.ID)
	assert.Equal(t, LookupRevoked, status)
}

func TestCreateUnknownGeneration(t *testing.T) {
	c := NewController(Options{})
	_, err := c.Create("missing", nil, "text/plain")
	assert.Error(t, err)
}

func TestBegin_MovesOutgoingToPending(t *testing.T) {
	c := NewController(Options{})

	a := populate(t, c, "a", 2)
	assert.True(t, c.Attach(a))
	_, _ = c.Loaded(a)
	assert.Equal(t, StateInUse, state(t, c, a))

	b := populate(t, c, "b", 2)
	assert.Equal(t, StatePendingRevoke, state(t, c, a))
	assert.Equal(t, StateCreated, state(t, c, b))
	assert.Equal(t, 6, c.Outstanding())

	assert.True(t, c.Attach(b))
	assert.Equal(t, StatePendingRevoke, state(t, c, a), "attach alone does not revoke")

	_, _ = c.Loaded(b)
	assert.Equal(t, StateRevoked, state(t, c, a))
	assert.Equal(t, StateInUse, state(t, c, b))
	assert.Equal(t, 3, c.Outstanding())
}

func TestBegin_SupersedesUnattachedGeneration(t *testing.T) {
	c := NewController(Options{})

	a := populate(t, c, "a", 1)
	c.Attach(a)
	c.Loaded(a)

	b := populate(t, c, "b", 1)
	// b is never attached
	cc := populate(t, c, "c", 1)

	assert.Equal(t, StatePendingRevoke, state(t, c, a), "visible generation stays pending")
	assert.Equal(t, StateRevoked, state(t, c, b))
	assert.Equal(t, StateCreated, state(t, c, cc))
}

func TestBegin_ReplacesPendingOnceSurfaceMovedOn(t *testing.T) {
	c := NewController(Options{})

	a := populate(t, c, "a", 1)
	c.Attach(a)
	c.Loaded(a)

	b := populate(t, c, "b", 1)
	c.Attach(b)
	// b attached but not loaded
	cc := populate(t, c, "c", 1)

	assert.Equal(t, StateRevoked, state(t, c, a))
	assert.Equal(t, StatePendingRevoke, state(t, c, b))
	assert.Equal(t, StateCreated, state(t, c, cc))
}

func TestLoaded_StaleSignalsIgnored(t *testing.T) {
	c := NewController(Options{})

	a := populate(t, c, "a", 1)
	c.Attach(a)
	b := populate(t, c, "b", 1)

	_, ok := c.Loaded(a)
	assert.False(t, ok)
	assert.Equal(t, StatePendingRevoke, state(t, c, a), "load of an outgoing generation revokes nothing")
	assert.False(t, c.Attach(a))

	_, ok = c.Loaded("unknown")
	assert.False(t, ok)
	assert.Equal(t, StateCreated, state(t, c, b))
}

func TestRevokeGeneration_Idempotent(t *testing.T) {
	c := NewController(Options{})
	a := populate(t, c, "a", 3)

	created, revoked := c.Stats()
	assert.Equal(t, 4, created)
	assert.Equal(t, 0, revoked)

	assert.True(t, c.RevokeGeneration(a))
	assert.False(t, c.RevokeGeneration(a))

	created, revoked = c.Stats()
	assert.Equal(t, 4, created)
	assert.Equal(t, 4, revoked, "each reference is released exactly once")
	assert.Equal(t, 0, c.Outstanding())
}

func TestAbort_RestoresPrevious(t *testing.T) {
	c := NewController(Options{})

	a := populate(t, c, "a", 1)
	c.Attach(a)
	c.Loaded(a)

	b, err := c.Begin("b")
	require.NoError(t, err)
	_, err = c.Create(b, []byte("x"), "text/plain")
	require.NoError(t, err)

	c.Abort(b)

	assert.Equal(t, StateRevoked, state(t, c, b))
	assert.Equal(t, StateInUse, state(t, c, a))
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, a, cur.ID)
	assert.Equal(t, 2, c.Outstanding())
}

func TestAbort_LaterGenerationReleasesRestored(t *testing.T) {
	c := NewController(Options{})

	a := populate(t, c, "a", 1)
	c.Attach(a)
	c.Loaded(a)

	b, err := c.Begin("b")
	require.NoError(t, err)
	c.Abort(b)

	assert.Equal(t, StateInUse, state(t, c, a))
	assert.Equal(t, 2, c.Outstanding())

	d := populate(t, c, "d", 2)
	assert.Equal(t, StatePendingRevoke, state(t, c, a))
	c.Attach(d)
	c.Loaded(d)

	assert.Equal(t, StateRevoked, state(t, c, a))
	for _, info := range c.List() {
		assert.NotEqual(t, a, info.ID)
	}
	assert.Equal(t, 3, c.Outstanding(), "only the final generation stays live")

	created, revoked := c.Stats()
	assert.Equal(t, 3, created-revoked)
}

func TestAbort_WhilePreviousStillPending(t *testing.T) {
	c := NewController(Options{})

	a := populate(t, c, "a", 1)
	c.Attach(a)
	c.Loaded(a)

	b := populate(t, c, "b", 1)
	c.Attach(b)

	d, err := c.Begin("d")
	require.NoError(t, err)
	c.Abort(d)

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, b, cur.ID)
	assert.Equal(t, StateInUse, state(t, c, b))

	c.Loaded(b)
	assert.Equal(t, StateRevoked, state(t, c, a))
	assert.Equal(t, 2, c.Outstanding())
}

func TestStateText(t *testing.T) {
	for _, s := range []State{StateCreated, StateInUse, StatePendingRevoke, StateRevoked} {
		data, err := json.Marshal(GenerationInfo{State: s})
		require.NoError(t, err)

		var info GenerationInfo
		require.NoError(t, json.Unmarshal(data, &info))
		assert.Equal(t, s, info.State)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("gone")))
}

func TestScrollRestore(t *testing.T) {
	delays := []time.Duration{0, 10 * time.Millisecond}
	c := NewController(Options{RestoreDelays: delays})

	a := populate(t, c, "a", 1)
	c.Attach(a)
	_, ok := c.Loaded(a)
	assert.False(t, ok, "first generation has nothing to restore")

	c.ReportScroll(a, ScrollOffset{X: 0, Y: 1200})

	b := populate(t, c, "b", 1)
	c.Attach(b)
	restore, ok := c.Loaded(b)
	require.True(t, ok)
	assert.Equal(t, b, restore.Generation)
	assert.Equal(t, ScrollOffset{Y: 1200}, restore.Offset)
	assert.Equal(t, delays, restore.Delays)

	_, ok = c.Loaded(b)
	assert.False(t, ok, "restore is applied once")
}

func TestWatchdog_NotifiesWithoutRevoking(t *testing.T) {
	var mu sync.Mutex
	var failed []string
	c := NewController(Options{
		LoadWarnAfter: 10 * time.Millisecond,
		OnSurfaceFailure: func(id string) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, id)
		},
	})

	a := populate(t, c, "a", 1)
	c.Attach(a)
	c.Loaded(a)
	c.ReportScroll(a, ScrollOffset{Y: 50})

	b := populate(t, c, "b", 1)
	c.Attach(b)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1 && failed[0] == b
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StatePendingRevoke, state(t, c, a), "watchdog never revokes")

	info, ok := c.Generation(b)
	require.True(t, ok)
	assert.True(t, info.SurfaceLost)

	// a late load still releases the outgoing generation but skips scroll restore
	_, ok = c.Loaded(b)
	assert.False(t, ok)
	assert.Equal(t, StateRevoked, state(t, c, a))
}

func TestClose_RevokesEverything(t *testing.T) {
	c := NewController(Options{})
	a := populate(t, c, "a", 2)
	c.Attach(a)
	c.Loaded(a)
	populate(t, c, "b", 2)

	c.Close()
	assert.Equal(t, 0, c.Outstanding())
	assert.Empty(t, c.List())

	_, err := c.Begin("c")
	assert.Error(t, err)
}

// TestRapidMutations drives N regenerations while the surface attaches but
// never finishes loading, then checks the invariants after the final load.
func TestRapidMutations(t *testing.T) {
	const entries = 3

	for _, attach := range []bool{true, false} {
		c := NewController(Options{})

		first := populate(t, c, "0", entries)
		c.Attach(first)
		c.Loaded(first)

		var last string
		for i := 1; i <= 20; i++ {
			last = populate(t, c, "n", entries)
			if attach {
				c.Attach(last)
			}

			pending, inUse := 0, 0
			for _, g := range c.List() {
				switch g.State {
				case StatePendingRevoke:
					pending++
				case StateInUse:
					inUse++
				}
			}
			assert.LessOrEqual(t, pending, 1)
			assert.LessOrEqual(t, inUse, 1)
			assert.LessOrEqual(t, len(c.List()), 2)
		}

		c.Attach(last)
		c.Loaded(last)

		assert.Len(t, c.List(), 1)
		assert.Equal(t, entries+1, c.Outstanding(), "only the final generation's references remain")

		created, revoked := c.Stats()
		assert.Equal(t, created-revoked, c.Outstanding())
	}
}
