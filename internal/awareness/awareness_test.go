package awareness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	changes []Change
	origins []any
}

func (r *recorder) handle(c Change, origin any) {
	r.changes = append(r.changes, c)
	r.origins = append(r.origins, origin)
}

func mustEntry(t *testing.T, client, clock uint64, state any) []byte {
	t.Helper()
	u, err := EncodeEntry(client, clock, state)
	require.NoError(t, err)
	return u
}

func TestApplyAddUpdateRemove(t *testing.T) {
	a := New()
	rec := &recorder{}
	a.OnUpdate(rec.handle)
	origin := "conn-1"

	require.NoError(t, a.ApplyUpdate(mustEntry(t, 10, 1, map[string]string{"name": "ana"}), origin))
	require.NoError(t, a.ApplyUpdate(mustEntry(t, 10, 2, map[string]string{"name": "ana", "cursor": "3"}), origin))
	require.NoError(t, a.ApplyUpdate(mustEntry(t, 10, 3, nil), origin))

	require.Len(t, rec.changes, 3)
	assert.Equal(t, []uint64{10}, rec.changes[0].Added)
	assert.Equal(t, []uint64{10}, rec.changes[1].Updated)
	assert.Equal(t, []uint64{10}, rec.changes[2].Removed)
	assert.Equal(t, origin, rec.origins[2])
	assert.Empty(t, a.Clients())
}

func TestStaleClockIgnored(t *testing.T) {
	a := New()
	rec := &recorder{}
	a.OnUpdate(rec.handle)

	require.NoError(t, a.ApplyUpdate(mustEntry(t, 1, 5, "new"), nil))
	require.NoError(t, a.ApplyUpdate(mustEntry(t, 1, 4, "old"), nil))

	assert.Len(t, rec.changes, 1)
	assert.JSONEq(t, `"new"`, string(a.State(1)))
}

func TestRemovalAtSameClockWins(t *testing.T) {
	a := New()
	require.NoError(t, a.ApplyUpdate(mustEntry(t, 1, 5, "x"), nil))
	require.NoError(t, a.ApplyUpdate(mustEntry(t, 1, 5, nil), nil))
	assert.Nil(t, a.State(1))
}

func TestRemoveStatesBumpsClock(t *testing.T) {
	a := New()
	require.NoError(t, a.ApplyUpdate(mustEntry(t, 1, 5, "x"), nil))

	rec := &recorder{}
	a.OnUpdate(rec.handle)
	a.RemoveStates([]uint64{1, 2}, "origin")

	require.Len(t, rec.changes, 1)
	assert.Equal(t, []uint64{1}, rec.changes[0].Removed)

	// the removal is encoded with the bumped clock so peers accept it
	peer := New()
	require.NoError(t, peer.ApplyUpdate(mustEntry(t, 1, 5, "x"), nil))
	require.NoError(t, peer.ApplyUpdate(a.EncodeUpdate([]uint64{1}), nil))
	assert.Empty(t, peer.Clients())

	// a late update at the old clock does not resurrect the client
	require.NoError(t, a.ApplyUpdate(mustEntry(t, 1, 5, "x"), nil))
	assert.Empty(t, a.Clients())
}

func TestEncodeUpdateRoundTrip(t *testing.T) {
	a := New()
	require.NoError(t, a.ApplyUpdate(mustEntry(t, 1, 1, map[string]int{"x": 1}), nil))
	require.NoError(t, a.ApplyUpdate(mustEntry(t, 2, 1, map[string]int{"x": 2}), nil))

	b := New()
	rec := &recorder{}
	b.OnUpdate(rec.handle)
	require.NoError(t, b.ApplyUpdate(a.EncodeUpdate(a.Clients()), nil))

	assert.Equal(t, []uint64{1, 2}, b.Clients())
	require.Len(t, rec.changes, 1)
	assert.ElementsMatch(t, []uint64{1, 2}, rec.changes[0].Added)
}

func TestMalformed(t *testing.T) {
	a := New()
	assert.ErrorIs(t, a.ApplyUpdate(nil, nil), ErrMalformed)
	assert.ErrorIs(t, a.ApplyUpdate([]byte{1, 1, 1, 3, '{', '{', '{'}, nil), ErrMalformed)
}

func TestRemoveOutdated(t *testing.T) {
	a := New()
	now := time.Now()
	a.now = func() time.Time { return now }
	require.NoError(t, a.ApplyUpdate(mustEntry(t, 1, 1, "x"), nil))

	now = now.Add(10 * time.Second)
	require.NoError(t, a.ApplyUpdate(mustEntry(t, 2, 1, "y"), nil))

	now = now.Add(25 * time.Second)
	a.RemoveOutdated(30*time.Second, nil)
	assert.Equal(t, []uint64{2}, a.Clients())
}

func TestChangeClients(t *testing.T) {
	c := Change{Added: []uint64{1}, Updated: []uint64{2}, Removed: []uint64{3}}
	assert.Equal(t, []uint64{1, 2, 3}, c.Clients())
	assert.False(t, c.Empty())
	assert.True(t, Change{}.Empty())
}
