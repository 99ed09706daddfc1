package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-route/codec"
	"mini-route/registry"
	"mini-route/route"
)

type gate struct {
	entered chan struct{}
	release chan struct{}
}

// gatedCodec decodes with JSON but can park the next Decode of a host until
// released, to pin a callback between its bookkeeping and its event.
type gatedCodec struct {
	codec.Codec
	mu    sync.Mutex
	gates map[string]*gate
}

func newGatedCodec() *gatedCodec {
	return &gatedCodec{
		Codec: codec.GetCodec(codec.CodecTypeJSON),
		gates: make(map[string]*gate),
	}
}

func (c *gatedCodec) holdNext(host string) *gate {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	c.mu.Lock()
	c.gates[host] = g
	c.mu.Unlock()
	return g
}

func (c *gatedCodec) Decode(host route.Host, data []byte) (*route.Info, error) {
	c.mu.Lock()
	g := c.gates[host.String()]
	delete(c.gates, host.String())
	c.mu.Unlock()
	if g != nil {
		close(g.entered)
		<-g.release
	}
	return c.Codec.Decode(host, data)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("timed out")
	}
}

func TestRemovalWinsOverDataChangeInFlight(t *testing.T) {
	const id = "10.0.0.1:9000"
	gc := newGatedCodec()
	m := registry.NewMemoryClient()
	m.Set(node(id), payload(t, "Echo"))
	s := start(t, m, Options{Codec: gc})
	require.Equal(t, hosts(id), s.Snapshot().Hosts())

	data := payload(t, "Echo", "Arith")
	g := gc.holdNext(id)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.nodes.HandleDataChange(node(id), data)
	}()
	waitClosed(t, g.entered)

	// the node goes away while its last payload is still being decoded
	s.members.HandleChildChange(DefaultRoot, nil)
	eventuallyHosts(t, s)

	close(g.release)
	waitClosed(t, done)

	assert.Never(t, func() bool { return s.Snapshot().Len() > 0 }, 50*time.Millisecond, tick)
	assert.Empty(t, s.KnownChildren())
	assert.False(t, m.DataWatched(node(id)))
}

func TestCreationReadDoesNotOverwriteNewerPayload(t *testing.T) {
	const id = "10.0.0.1:9000"
	gc := newGatedCodec()
	m := registry.NewMemoryClient()
	s := start(t, m, Options{Codec: gc})

	echo, arith := payload(t, "Echo"), payload(t, "Arith")
	g := gc.holdNext(id)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Set(node(id), echo)
	}()
	waitClosed(t, g.entered)

	// the payload changes before the creation's read has been decoded
	s.nodes.HandleDataChange(node(id), arith)
	require.Eventually(t, func() bool {
		return len(s.Snapshot().HostsFor("Arith")) == 1
	}, waitFor, tick)

	close(g.release)
	waitClosed(t, done)

	assert.Never(t, func() bool {
		return len(s.Snapshot().HostsFor("Echo")) > 0
	}, 50*time.Millisecond, tick)
	info, ok := s.Snapshot().Get(route.MustParseHost(id))
	require.True(t, ok)
	assert.Equal(t, []string{"Arith"}, info.Interfaces())
}

func TestDataChangeOfReaddedNodeApplies(t *testing.T) {
	const id = "10.0.0.1:9000"
	m := registry.NewMemoryClient()
	m.Set(node(id), payload(t, "Echo"))
	s := start(t, m, Options{})

	m.Delete(node(id))
	eventuallyHosts(t, s)
	m.Set(node(id), payload(t, "Echo"))
	eventuallyHosts(t, s, id)

	m.Set(node(id), payload(t, "Arith"))
	require.Eventually(t, func() bool {
		return len(s.Snapshot().HostsFor("Arith")) == 1
	}, waitFor, tick)
}

// removingClient drops every child of the root from the synchronizer's
// membership just before the first data subscription goes through.
type removingClient struct {
	*registry.MemoryClient
	once   sync.Once
	before func()
}

func (c *removingClient) SubscribeDataChanges(p string, l registry.DataListener) error {
	c.once.Do(c.before)
	return c.MemoryClient.SubscribeDataChanges(p, l)
}

func TestStartDoesNotWatchNodeRemovedMeanwhile(t *testing.T) {
	const id = "10.0.0.1:9000"
	m := registry.NewMemoryClient()
	m.Set(node(id), payload(t, "Echo"))

	c := &removingClient{MemoryClient: m}
	s, err := New(Options{Client: c})
	require.NoError(t, err)
	defer s.Close()
	c.before = func() { s.members.HandleChildChange(DefaultRoot, nil) }

	require.NoError(t, s.Start(context.Background()))

	assert.Empty(t, s.KnownChildren())
	assert.False(t, m.DataWatched(node(id)))
	eventuallyHosts(t, s)
}

func TestWatchKnown(t *testing.T) {
	const id = "10.0.0.1:9000"
	m := registry.NewMemoryClient()
	m.Set(node(id), payload(t, "Echo"))
	s := start(t, m, Options{})

	assert.True(t, s.watchKnown(id))
	assert.True(t, m.DataWatched(node(id)))

	assert.False(t, s.watchKnown("10.0.0.2:9000"))
	assert.False(t, m.DataWatched(node("10.0.0.2:9000")))
}

func TestHandleBeforeStartIgnored(t *testing.T) {
	s, err := New(Options{Client: registry.NewMemoryClient()})
	require.NoError(t, err)
	defer s.Close()

	s.Handle(route.NewCreate(route.NewInfo(route.MustParseHost("10.0.0.1:9000"), []string{"Echo"})))
	assert.Zero(t, s.queued())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, uint64(1), s.Snapshot().Version())
	assert.Zero(t, s.Snapshot().Len())

	s.Handle(route.NewCreate(route.NewInfo(route.MustParseHost("10.0.0.1:9000"), []string{"Echo"})))
	eventuallyHosts(t, s, "10.0.0.1:9000")
}
