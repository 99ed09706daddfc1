package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemoryClient is an in-process coordination tree. It does not depend on a
// running ZooKeeper or etcd, which makes it the backend of choice for tests
// and local runs.
//
// Mutations (Set, Delete, Publish, Unpublish) deliver notifications
// synchronously on the caller's goroutine before returning. Mutations and
// their deliveries are serialized across the whole tree, so listeners never
// see a stale child list after a newer one. Listeners must not mutate the
// tree from inside a callback.
type MemoryClient struct {
	mu        sync.Mutex
	nodes     map[string][]byte
	readErrs  map[string]error
	listErr   error
	closed    bool
	ls        *listeners
	deliverMu sync.Mutex
}

var _ Client = (*MemoryClient)(nil)
var _ Publisher = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		nodes:    make(map[string][]byte),
		readErrs: make(map[string]error),
		ls:       newListeners(),
	}
}

func (m *MemoryClient) checkOpen() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryClient) EnsurePath(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	for _, node := range parents(p) {
		if _, ok := m.nodes[node]; !ok {
			m.nodes[node] = nil
		}
	}
	return nil
}

func (m *MemoryClient) children(p string) []string {
	prefix := childPrefix(p)
	var out []string
	for key := range m.nodes {
		if name := childName(prefix, key); name != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (m *MemoryClient) ListChildren(ctx context.Context, p string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if m.listErr != nil {
		return nil, m.listErr
	}
	if _, ok := m.nodes[p]; !ok {
		return nil, errors.Wrapf(ErrNoNode, "list children of %s", p)
	}
	return m.children(p), nil
}

func (m *MemoryClient) ReadData(ctx context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if err := m.readErrs[p]; err != nil {
		return nil, errors.Wrapf(err, "read %s", p)
	}
	data, ok := m.nodes[p]
	if !ok {
		return nil, errors.Wrapf(ErrNoNode, "read %s", p)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryClient) SubscribeChildChanges(p string, l ChildListener) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.ls.addChild(p, l)
	return m.children(p), nil
}

func (m *MemoryClient) SubscribeDataChanges(p string, l DataListener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.ls.addData(context.Background(), p, l)
	return nil
}

func (m *MemoryClient) UnsubscribeDataChanges(p string, l DataListener) {
	m.ls.removeData(p, l)
}

// DataWatched reports whether any listener is subscribed to p's payload.
func (m *MemoryClient) DataWatched(p string) bool {
	return m.ls.hasData(p)
}

// Set creates or updates a node, creating missing parents. A new node
// notifies the parent's child listeners; an existing one its data listeners.
func (m *MemoryClient) Set(p string, data []byte) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	for _, node := range parents(NodeParent(p)) {
		if _, ok := m.nodes[node]; !ok {
			m.nodes[node] = nil
		}
	}
	_, existed := m.nodes[p]
	m.nodes[p] = append([]byte(nil), data...)
	parent := NodeParent(p)
	children := m.children(parent)
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}
	if existed {
		m.ls.fireData(p, data)
	} else {
		m.ls.fireChildren(parent, children)
	}
}

// Delete removes a node and notifies the parent's child listeners.
func (m *MemoryClient) Delete(p string) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	_, existed := m.nodes[p]
	delete(m.nodes, p)
	parent := NodeParent(p)
	children := m.children(parent)
	closed := m.closed
	m.mu.Unlock()

	if !existed || closed {
		return
	}
	m.ls.fireChildren(parent, children)
}

// NotifyChildren redelivers the current child list of p, as a backend does
// after a reconnect.
func (m *MemoryClient) NotifyChildren(p string) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	children := m.children(p)
	m.mu.Unlock()
	m.ls.fireChildren(p, children)
}

// FailReads makes ReadData of p return err until cleared with a nil err.
func (m *MemoryClient) FailReads(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.readErrs, p)
		return
	}
	m.readErrs[p] = err
}

// FailLists makes ListChildren and SubscribeChildChanges return err until
// cleared with a nil err.
func (m *MemoryClient) FailLists(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

func (m *MemoryClient) Publish(ctx context.Context, p string, data []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	m.Set(p, data)
	return nil
}

func (m *MemoryClient) Unpublish(ctx context.Context, p string) error {
	m.Delete(p)
	return nil
}

// Nodes returns every node path, sorted. Useful when debugging tests.
func (m *MemoryClient) Nodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.nodes))
	for p := range m.nodes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.ls.cancelAll()
	return nil
}

// String is a compact dump of the tree for test failure messages.
func (m *MemoryClient) String() string {
	return strings.Join(m.Nodes(), "\n")
}
