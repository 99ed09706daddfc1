// Package registry is the client's handle on the coordination service that
// publishes route nodes.
//
// The tree is hierarchical: a root path whose children are endpoints, each
// child carrying a payload.
//
//	root
//	 ├── 10.0.0.1:9000   payload
//	 └── 10.0.0.2:9000   payload
//
// Backends deliver two kinds of notification on goroutines they own:
//   - child changes of a path (membership)
//   - data changes of a node (payload)
//
// Every backend guarantees that callbacks for the same path and kind never
// run concurrently with each other. Callbacks for different paths may overlap.
package registry

import (
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by any call made after Close.
	ErrClosed = errors.New("registry: client closed")
	// ErrNoNode is returned when reading a node that does not exist.
	ErrNoNode = errors.New("registry: node does not exist")
)

// ChildListener receives the full, current child list of a watched path.
// Implementations must be comparable (pointer receivers are the usual choice).
type ChildListener interface {
	HandleChildChange(parentPath string, children []string)
}

// DataListener receives the new payload of a watched node.
// Implementations must be comparable.
type DataListener interface {
	HandleDataChange(dataPath string, data []byte)
}

// Client is the coordination capability the discovery layer consumes.
type Client interface {
	// EnsurePath creates path and its parents if they are missing.
	EnsurePath(ctx context.Context, path string) error
	// ListChildren returns the names of path's direct children.
	ListChildren(ctx context.Context, path string) ([]string, error)
	// ReadData returns the payload of a node, ErrNoNode if absent.
	ReadData(ctx context.Context, path string) ([]byte, error)
	// SubscribeChildChanges registers l for membership changes under path and
	// returns the children at subscription time.
	SubscribeChildChanges(path string, l ChildListener) ([]string, error)
	// SubscribeDataChanges registers l for payload changes of path. The
	// current payload is not delivered.
	SubscribeDataChanges(path string, l DataListener) error
	// UnsubscribeDataChanges removes l; unknown pairs are ignored.
	UnsubscribeDataChanges(path string, l DataListener)
	Close() error
}

// Publisher is the server side of the same tree: it keeps one node alive for
// as long as the process (or its session) lives.
type Publisher interface {
	Publish(ctx context.Context, path string, data []byte) error
	Unpublish(ctx context.Context, path string) error
}

// ChildPath joins a parent path and a child name.
func ChildPath(parent, child string) string {
	return strings.TrimSuffix(parent, "/") + "/" + child
}

// NodeName returns the last element of a node path.
func NodeName(p string) string {
	return path.Base(p)
}

// NodeParent returns the path of p's parent node.
func NodeParent(p string) string {
	return path.Dir(p)
}

// parents lists every ancestor of p, shallowest first, including p itself.
func parents(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return append(out, p)
}
