package registry

import (
	"context"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// listeners tracks who is subscribed to which path. The zookeeper, etcd and
// memory backends share it; each runs at most one watch per path and fans
// the notification out to the listeners registered here.
type listeners struct {
	mu       sync.Mutex
	children map[string]map[ChildListener]struct{}
	data     map[string]map[DataListener]struct{}
	cancels  map[string]context.CancelFunc // data watch per path
}

func newListeners() *listeners {
	return &listeners{
		children: make(map[string]map[ChildListener]struct{}),
		data:     make(map[string]map[DataListener]struct{}),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// addChild registers l and reports whether path had no child watch yet.
func (ls *listeners) addChild(path string, l ChildListener) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	set, ok := ls.children[path]
	if !ok {
		set = make(map[ChildListener]struct{})
		ls.children[path] = set
	}
	set[l] = struct{}{}
	return !ok
}

// addData registers l. When path had no data watch yet it also creates the
// watch's context, derived from parent, and returns it with true; the cancel
// func is stored under the same lock so a concurrent removeData always finds
// it.
func (ls *listeners) addData(parent context.Context, path string, l DataListener) (context.Context, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	set, ok := ls.data[path]
	if ok {
		set[l] = struct{}{}
		return nil, false
	}
	ls.data[path] = map[DataListener]struct{}{l: {}}
	ctx, cancel := context.WithCancel(parent)
	ls.cancels[path] = cancel
	return ctx, true
}

// removeData drops l. When it was the last listener of path the data watch
// is cancelled.
func (ls *listeners) removeData(path string, l DataListener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	set, ok := ls.data[path]
	if !ok {
		return
	}
	delete(set, l)
	if len(set) > 0 {
		return
	}
	delete(ls.data, path)
	if cancel, ok := ls.cancels[path]; ok {
		cancel()
		delete(ls.cancels, path)
	}
}

func (ls *listeners) hasData(path string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	_, ok := ls.data[path]
	return ok
}

func (ls *listeners) fireChildren(path string, children []string) {
	ls.mu.Lock()
	targets := make([]ChildListener, 0, len(ls.children[path]))
	for l := range ls.children[path] {
		targets = append(targets, l)
	}
	ls.mu.Unlock()

	for _, l := range targets {
		l.HandleChildChange(path, append([]string(nil), children...))
	}
}

func (ls *listeners) fireData(path string, data []byte) {
	ls.mu.Lock()
	targets := make([]DataListener, 0, len(ls.data[path]))
	for l := range ls.data[path] {
		targets = append(targets, l)
	}
	ls.mu.Unlock()

	for _, l := range targets {
		l.HandleDataChange(path, append([]byte(nil), data...))
	}
}

func (ls *listeners) cancelAll() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for path, cancel := range ls.cancels {
		cancel()
		delete(ls.cancels, path)
	}
}

func newWatchBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // retry until the watch is cancelled
	b.Reset()
	return b
}

// sleep waits for the next backoff interval. It returns false when ctx ends first.
func sleep(ctx context.Context, b backoff.BackOff) bool {
	select {
	case <-time.After(b.NextBackOff()):
		return true
	case <-ctx.Done():
		return false
	}
}
