package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentID(t *testing.T) {
	assert.Equal(t, "42", DocumentID("doc-42"))
	assert.Equal(t, "notes", DocumentID("notes"))
	assert.Equal(t, "doc-7", NameForDocument("7"))
}

func TestReadyFiresOnce(t *testing.T) {
	r := New[string]("doc-1", time.Now())
	assert.False(t, r.IsReady())

	select {
	case <-r.Ready():
		t.Fatal("ready before MarkReady")
	default:
	}

	assert.True(t, r.MarkReady())
	assert.False(t, r.MarkReady(), "second MarkReady must be a no-op")
	assert.True(t, r.IsReady())

	select {
	case <-r.Ready():
	default:
		t.Fatal("ready channel not closed")
	}
}

func TestConnectionSet(t *testing.T) {
	r := New[string]("doc-1", time.Now())
	r.Add("a")
	r.Add("b")
	r.Add("a")

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"a", "b"}, r.Conns())
	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.False(t, r.Has("a"))
	assert.Equal(t, []string{"b"}, r.Conns())
}

func TestIdle(t *testing.T) {
	start := time.Now()
	r := New[string]("doc-1", start)
	ttl := time.Minute

	assert.False(t, r.Idle(start.Add(30*time.Second), ttl))
	assert.True(t, r.Idle(start.Add(ttl), ttl))

	r.Add("a")
	assert.False(t, r.Idle(start.Add(time.Hour), ttl), "rooms with connections are never idle")

	r.Remove("a")
	r.Touch(start.Add(time.Hour))
	assert.False(t, r.Idle(start.Add(time.Hour+time.Second), ttl))
}

func TestEnqueue(t *testing.T) {
	r := New[string]("doc-1", time.Now())

	assert.True(t, r.Enqueue([]byte{1}, "u1"))
	r.Pending.Timer = time.NewTimer(time.Hour)
	defer r.Pending.Timer.Stop()

	assert.False(t, r.Enqueue([]byte{2}, "u2"))

	q := r.TakePending()
	require.NotNil(t, q)
	assert.Equal(t, [][]byte{{1}, {2}}, q.Updates)
	assert.Equal(t, "u1", q.UserID)
	assert.Nil(t, r.Pending)
}

func TestDestroyRunsDetach(t *testing.T) {
	r := New[string]("doc-1", time.Now())
	calls := 0
	r.Attach(func() { calls++ })
	r.Destroy()
	r.Destroy()

	assert.Equal(t, 1, calls)
	assert.True(t, r.Destroyed())
	assert.True(t, r.Doc.Destroyed())
}
