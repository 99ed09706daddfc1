package route

import (
	"net"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	h1 = MustParseHost("10.0.0.1:9000")
	h2 = MustParseHost("10.0.0.2:9000")
	h3 = MustParseHost("10.0.0.3:9000")
)

func TestParseHost(t *testing.T) {
	h, err := ParseHost("10.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, Host{IP: "10.0.0.1", Port: 9000}, h)
	assert.Equal(t, "10.0.0.1:9000", h.String())

	v6, err := ParseHost("[::1]:8080")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:8080", v6.String())

	for _, bad := range []string{"", "10.0.0.1", ":9000", "10.0.0.1:x", "10.0.0.1:0", "10.0.0.1:70000"} {
		_, err := ParseHost(bad)
		assert.Error(t, err, bad)
	}

	// the address parser's error stays reachable
	_, err = ParseHost("10.0.0.1")
	var addrErr *net.AddrError
	assert.True(t, errors.As(err, &addrErr))
	assert.IsType(t, &net.AddrError{}, errors.Cause(err))
	assert.Contains(t, err.Error(), `route: invalid host "10.0.0.1"`)
}

func TestInfo(t *testing.T) {
	meta := map[string]string{"zone": "a"}
	info := NewInfo(h1, []string{"Echo", "Arith", "", "Echo"}, WithWeight(5), WithMeta(meta))
	meta["zone"] = "b"

	assert.Equal(t, []string{"Arith", "Echo"}, info.Interfaces())
	assert.True(t, info.Serves("Arith"))
	assert.False(t, info.Serves("Missing"))
	assert.Equal(t, 5, info.Weight())
	assert.Equal(t, "a", info.Meta()["zone"])
	assert.True(t, info.Valid())

	assert.False(t, NewInfo(h1, nil).Valid())
	var nilInfo *Info
	assert.False(t, nilInfo.Valid())

	same := NewInfo(h1, []string{"Arith", "Echo"}, WithWeight(5), WithMeta(map[string]string{"zone": "a"}))
	assert.True(t, info.Equal(same))
	assert.False(t, info.Equal(NewInfo(h1, []string{"Arith"})))
}

func TestEventVariants(t *testing.T) {
	r := NewInfo(h1, []string{"Arith"})
	var events = []Event{NewCreate(r), NewModify(r), NewDelete(h2)}

	assert.Equal(t, Create, events[0].Type())
	assert.Equal(t, Modify, events[1].Type())
	assert.Equal(t, Delete, events[2].Type())
	assert.Equal(t, h1, events[0].Host())
	assert.Equal(t, h2, events[2].Host())
	assert.Equal(t, "DELETE", Delete.String())
}

func TestMergeFold(t *testing.T) {
	table := NewTable()
	r1 := NewInfo(h1, []string{"Arith"})
	r2 := NewInfo(h2, []string{"Arith", "Echo"})

	routes, changes := Merge(table.Snapshot(), []Event{NewCreate(r1), NewCreate(r2), NewDelete(h1)})
	assert.Equal(t, 3, changes)
	require.Len(t, routes, 1)
	assert.Same(t, r2, routes[h2])

	// base untouched
	assert.Equal(t, 0, table.Snapshot().Len())
}

func TestMergeAssociative(t *testing.T) {
	r1 := NewInfo(h1, []string{"Arith"})
	r2 := NewInfo(h2, []string{"Echo"})
	r1b := NewInfo(h1, []string{"Arith", "Echo"})
	events := []Event{NewCreate(r1), NewCreate(r2), NewModify(r1b), NewDelete(h2), NewCreate(NewInfo(h3, []string{"Echo"}))}

	for split := 0; split <= len(events); split++ {
		batched := NewTable()
		first, _ := Merge(batched.Snapshot(), events[:split])
		batched.Replace(first)
		second, _ := Merge(batched.Snapshot(), events[split:])

		whole, _ := Merge(NewTable().Snapshot(), events)
		assert.Equal(t, whole, second, "split at %d", split)
	}
}

func TestMergeIdempotentModify(t *testing.T) {
	table := NewTable()
	r := NewInfo(h1, []string{"Arith"})

	routes, changes := Merge(table.Snapshot(), []Event{NewModify(r)})
	require.Equal(t, 1, changes)
	table.Replace(routes)

	again := NewInfo(h1, []string{"Arith"})
	routes, changes = Merge(table.Snapshot(), []Event{NewModify(again)})
	assert.Equal(t, 0, changes)
	assert.Equal(t, table.Snapshot().Routes(), routes)
}

func TestMergeDeleteAbsent(t *testing.T) {
	_, changes := Merge(NewTable().Snapshot(), []Event{NewDelete(h3)})
	assert.Equal(t, 0, changes)
}

func TestMergeInvalidUpsertRemoves(t *testing.T) {
	table := NewTable()
	table.Replace(map[Host]*Info{h1: NewInfo(h1, []string{"Arith"})})

	routes, changes := Merge(table.Snapshot(), []Event{NewModify(NewInfo(h1, nil)), NewModify(nil)})
	assert.Equal(t, 1, changes)
	assert.Empty(t, routes)
}

func TestTableSnapshots(t *testing.T) {
	table := NewTable()
	empty := table.Snapshot()
	assert.Equal(t, uint64(0), empty.Version())
	assert.Equal(t, 0, empty.Len())

	next := table.Replace(map[Host]*Info{
		h2: NewInfo(h2, []string{"Arith", "Echo"}),
		h1: NewInfo(h1, []string{"Arith"}),
	})
	assert.Equal(t, uint64(1), next.Version())
	assert.Same(t, next, table.Snapshot())
	assert.Equal(t, []Host{h1, h2}, next.Hosts())
	assert.Equal(t, []Host{h1, h2}, next.HostsFor("Arith"))
	assert.Equal(t, []Host{h2}, next.HostsFor("Echo"))
	assert.Empty(t, next.HostsFor("Missing"))

	// earlier snapshots stay intact
	assert.Equal(t, 0, empty.Len())

	got, ok := next.Get(h1)
	require.True(t, ok)
	assert.Equal(t, []string{"Arith"}, got.Interfaces())
}

func TestTableConcurrentReaders(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := table.Snapshot()
				// every published table holds both hosts or neither
				if n := snap.Len(); n != 0 && n != 2 {
					t.Errorf("observed partial snapshot with %d hosts", n)
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			table.Replace(map[Host]*Info{
				h1: NewInfo(h1, []string{"Arith"}),
				h2: NewInfo(h2, []string{"Arith"}),
			})
		} else {
			table.Replace(map[Host]*Info{})
		}
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(200), table.Snapshot().Version())
}
