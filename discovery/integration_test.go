package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-route/codec"
	"mini-route/registry"
	"mini-route/route"
)

// TestPublishToResolve runs the whole path: a server publishes its route with
// the binary codec, a client resolves "Arith" through the synchronized table,
// the server changes what it serves and finally withdraws.
func TestPublishToResolve(t *testing.T) {
	ctx := context.Background()
	bin := codec.GetCodec(codec.CodecTypeBinary)
	m := registry.NewMemoryClient()
	var pub registry.Publisher = m

	publish := func(info *route.Info) {
		data, err := bin.Encode(info)
		require.NoError(t, err)
		require.NoError(t, pub.Publish(ctx, node(info.Host().String()), data))
	}

	a := route.MustParseHost("127.0.0.1:19090")
	b := route.MustParseHost("127.0.0.1:19091")
	publish(route.NewInfo(a, []string{"Arith"}, route.WithWeight(10)))

	s := start(t, m, Options{Codec: bin})
	assert.Equal(t, []route.Host{a}, s.Snapshot().HostsFor("Arith"))

	publish(route.NewInfo(b, []string{"Arith", "Echo"}, route.WithWeight(5)))
	require.Eventually(t, func() bool {
		return len(s.Snapshot().HostsFor("Arith")) == 2
	}, waitFor, tick)
	info, ok := s.Snapshot().Get(b)
	require.True(t, ok)
	assert.Equal(t, 5, info.Weight())

	// a stops serving Arith
	publish(route.NewInfo(a, []string{"Echo"}, route.WithWeight(10)))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]route.Host{b}, s.Snapshot().HostsFor("Arith"))
	}, waitFor, tick)
	assert.Equal(t, []route.Host{a, b}, s.Snapshot().HostsFor("Echo"))

	require.NoError(t, pub.Unpublish(ctx, node(b.String())))
	require.Eventually(t, func() bool {
		return len(s.Snapshot().HostsFor("Arith")) == 0
	}, waitFor, tick)
	assert.Equal(t, []route.Host{a}, s.Snapshot().Hosts())
}
