package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdClient implements Client and Publisher on etcd v3.
//
// etcd is a flat key space, so the tree is read from key paths:
//
//	Key:   {root}/{child}       e.g. /mini-rpc/routes/10.0.0.1:9000
//	Value: encoded route payload
//
// The children of a path are the keys exactly one level below it. Published
// nodes are attached to a TTL lease kept alive in the background: if the
// process dies the lease expires and the key goes away, like a ZooKeeper
// ephemeral node.
type EtcdClient struct {
	client    *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	logger    *zap.Logger
	ttl       int64
	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	ls        *listeners

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // published key -> its lease
	closed bool
}

var _ Client = (*EtcdClient)(nil)
var _ Publisher = (*EtcdClient)(nil)

// DefaultLeaseTTL is the lease, in seconds, attached to published keys.
const DefaultLeaseTTL = 10

// NewEtcdClient creates a client connected to the given etcd endpoints.
func NewEtcdClient(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return newEtcdClient(c, logger), nil
}

func newEtcdClient(c *clientv3.Client, logger *zap.Logger) *EtcdClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdClient{
		client:    c,
		logger:    logger,
		ttl:       DefaultLeaseTTL,
		ctx:       ctx,
		ctxCancel: cancel,
		ls:        newListeners(),
		leases:    make(map[string]clientv3.LeaseID),
	}
}

func (r *EtcdClient) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// EnsurePath has nothing to create in etcd; it only proves the cluster is
// reachable, so a dead cluster fails startup rather than the first watch.
func (r *EtcdClient) EnsurePath(ctx context.Context, p string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	_, err := r.client.Get(ctx, p, clientv3.WithCountOnly())
	return errors.Wrapf(err, "check %s", p)
}

// childName returns the direct child name of key under prefix, or "" when
// key is deeper or outside it.
func childName(prefix, key string) string {
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	name := key[len(prefix):]
	if strings.Contains(name, "/") {
		return ""
	}
	return name
}

func childPrefix(p string) string {
	return strings.TrimSuffix(p, "/") + "/"
}

// listChildren returns the children of p and the revision they were read at.
func (r *EtcdClient) listChildren(ctx context.Context, p string) ([]string, int64, error) {
	prefix := childPrefix(p)
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, 0, errors.Wrapf(err, "list children of %s", p)
	}
	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if name := childName(prefix, string(kv.Key)); name != "" {
			children = append(children, name)
		}
	}
	sort.Strings(children)
	return children, resp.Header.Revision, nil
}

func (r *EtcdClient) ListChildren(ctx context.Context, p string) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	children, _, err := r.listChildren(ctx, p)
	return children, err
}

func (r *EtcdClient) ReadData(ctx context.Context, p string) ([]byte, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	resp, err := r.client.Get(ctx, p)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", p)
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.Wrapf(ErrNoNode, "read %s", p)
	}
	return resp.Kvs[0].Value, nil
}

// SubscribeChildChanges watches every key under p. Only creations and
// deletions of direct children count as membership changes; on each one the
// full child list is re-read and delivered.
func (r *EtcdClient) SubscribeChildChanges(p string, l ChildListener) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	children, rev, err := r.listChildren(r.ctx, p)
	if err != nil {
		return nil, err
	}
	if r.ls.addChild(p, l) {
		r.wg.Add(1)
		go r.watchChildren(p, rev+1)
	}
	return children, nil
}

func (r *EtcdClient) watchChildren(p string, fromRev int64) {
	defer r.wg.Done()
	prefix := childPrefix(p)
	b := newWatchBackOff()

	for r.ctx.Err() == nil {
		// Watch all keys under the prefix, starting right after the last read
		wctx, wcancel := context.WithCancel(r.ctx)
		watchChan := r.client.Watch(wctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(fromRev))
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("child watch failed", zap.String("path", p), zap.Error(err))
				break
			}
			b.Reset()
			changed := false
			for _, ev := range resp.Events {
				if childName(prefix, string(ev.Kv.Key)) == "" {
					continue
				}
				if ev.Type == mvccpb.DELETE || ev.IsCreate() {
					changed = true
				}
			}
			fromRev = resp.Header.Revision + 1
			if changed {
				r.resyncChildren(p, &fromRev)
			}
		}
		wcancel()

		if !sleep(r.ctx, b) {
			return
		}
		// the watch may have missed events (compaction, disconnect): resync
		r.resyncChildren(p, &fromRev)
	}
}

func (r *EtcdClient) resyncChildren(p string, fromRev *int64) {
	children, rev, err := r.listChildren(r.ctx, p)
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Warn("failed to re-list children", zap.String("path", p), zap.Error(err))
		}
		return
	}
	if rev+1 > *fromRev {
		*fromRev = rev + 1
	}
	r.ls.fireChildren(p, children)
}

// SubscribeDataChanges watches the single key p and delivers each PUT.
// Deletions are left to the child watch of the parent.
func (r *EtcdClient) SubscribeDataChanges(p string, l DataListener) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	ctx, first := r.ls.addData(r.ctx, p, l)
	if !first {
		return nil
	}

	fromRev := int64(0)
	if resp, err := r.client.Get(ctx, p, clientv3.WithCountOnly()); err == nil {
		fromRev = resp.Header.Revision + 1
	}
	r.wg.Add(1)
	go r.watchData(ctx, p, fromRev)
	return nil
}

func (r *EtcdClient) watchData(ctx context.Context, p string, fromRev int64) {
	defer r.wg.Done()
	b := newWatchBackOff()

	for ctx.Err() == nil {
		opts := []clientv3.OpOption{}
		if fromRev > 0 {
			opts = append(opts, clientv3.WithRev(fromRev))
		}
		wctx, wcancel := context.WithCancel(ctx)
		for resp := range r.client.Watch(wctx, p, opts...) {
			if err := resp.Err(); err != nil {
				r.logger.Warn("data watch failed", zap.String("path", p), zap.Error(err))
				break
			}
			b.Reset()
			for _, ev := range resp.Events {
				if ev.Type == mvccpb.PUT {
					r.ls.fireData(p, ev.Kv.Value)
				}
			}
			fromRev = resp.Header.Revision + 1
		}
		wcancel()
		if !sleep(ctx, b) {
			return
		}
		// a compacted revision cannot be resumed; continue from now
		fromRev = 0
	}
}

func (r *EtcdClient) UnsubscribeDataChanges(p string, l DataListener) {
	r.ls.removeData(p, l)
}

// Publish stores data at p with a TTL lease.
//
// Flow:
//  1. Create a lease with the TTL (10 seconds by default)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (r *EtcdClient) Publish(ctx context.Context, p string, data []byte) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	// Create a TTL-based lease; if KeepAlive stops, the entry auto-expires
	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return errors.Wrapf(err, "grant lease for %s", p)
	}

	_, err = r.client.Put(ctx, p, string(data), clientv3.WithLease(lease.ID))
	if err != nil {
		return errors.Wrapf(err, "publish %s", p)
	}

	// KeepAlive is bound to the client's lifetime, not the caller's ctx
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return errors.Wrapf(err, "keep lease of %s alive", p)
	}

	r.mu.Lock()
	old, replaced := r.leases[p]
	r.leases[p] = lease.ID
	r.mu.Unlock()
	if replaced {
		_, _ = r.client.Revoke(ctx, old)
	}

	// Consume KeepAlive responses to prevent the channel from filling up
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for range ch {
		}
	}()
	return nil
}

// Unpublish deletes p and revokes its lease.
func (r *EtcdClient) Unpublish(ctx context.Context, p string) error {
	r.mu.Lock()
	lease, ok := r.leases[p]
	delete(r.leases, p)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, p); err != nil {
		return errors.Wrapf(err, "unpublish %s", p)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			r.logger.Warn("failed to revoke lease", zap.String("path", p), zap.Error(err))
		}
	}
	return nil
}

func (r *EtcdClient) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.ctxCancel()
	r.ls.cancelAll()
	r.wg.Wait()
	return r.client.Close()
}
