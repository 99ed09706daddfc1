package registry

import (
	"context"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ZKClient implements Client and Publisher on ZooKeeper.
//
// ZooKeeper watches are one-shot, so every subscribed path gets one goroutine
// that waits for its watch to fire, re-reads the node and re-arms:
//
//	ChildrenW(root) ──fire──► re-list ──► HandleChildChange ──► ChildrenW(root) ...
//	GetW(node)      ──fire──► re-read ──► HandleDataChange  ──► GetW(node) ...
//
// One goroutine per path is what keeps callbacks for a path from overlapping.
type ZKClient struct {
	conn      *zk.Conn
	logger    *zap.Logger
	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	ls        *listeners

	mu        sync.Mutex
	published map[string][]byte // ephemeral nodes to restore after session expiry
	closed    bool
}

var _ Client = (*ZKClient)(nil)
var _ Publisher = (*ZKClient)(nil)
var _ ephemeralConn = (*zk.Conn)(nil)

// zapLogger routes the zk library's own log lines into zap.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapLogger) Printf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// NewZKClient connects to the ensemble and waits, bounded by ctx and
// sessionTimeout, until a session is established.
func NewZKClient(ctx context.Context, servers []string, sessionTimeout time.Duration, logger *zap.Logger) (*ZKClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zapLogger{logger.Sugar()}))
	if err != nil {
		return nil, errors.Wrap(err, "connect zookeeper")
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, sessionTimeout)
	defer waitCancel()
	for connected := false; !connected; {
		select {
		case ev := <-events:
			connected = ev.State == zk.StateHasSession
		case <-waitCtx.Done():
			conn.Close()
			return nil, errors.Wrapf(waitCtx.Err(), "no zookeeper session with %v", servers)
		}
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &ZKClient{
		conn:      conn,
		logger:    logger,
		ctx:       cctx,
		ctxCancel: cancel,
		ls:        newListeners(),
		published: make(map[string][]byte),
	}
	c.wg.Add(1)
	go c.sessionLoop(events)
	return c, nil
}

// sessionLoop consumes session events so the library never blocks on them,
// and republishes ephemeral nodes once a replacement session is up.
func (c *ZKClient) sessionLoop(events <-chan zk.Event) {
	defer c.wg.Done()
	expired := false
	for {
		var ev zk.Event
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			ev = e
		case <-c.ctx.Done():
			return
		}
		if ev.Type != zk.EventSession {
			continue
		}
		c.logger.Debug("zookeeper session event", zap.Stringer("state", ev.State))
		switch ev.State {
		case zk.StateExpired:
			expired = true
		case zk.StateHasSession:
			if expired {
				expired = false
				c.republish()
			}
		}
	}
}

func (c *ZKClient) republish() {
	c.mu.Lock()
	nodes := make(map[string][]byte, len(c.published))
	for p, d := range c.published {
		nodes[p] = d
	}
	c.mu.Unlock()

	for p, d := range nodes {
		if err := c.createEphemeral(p, d); err != nil {
			c.logger.Warn("failed to republish node", zap.String("path", p), zap.Error(err))
		}
	}
}

func (c *ZKClient) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *ZKClient) EnsurePath(ctx context.Context, p string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	for _, node := range parents(p) {
		_, err := c.conn.Create(node, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "create %s", node)
		}
	}
	return nil
}

func (c *ZKClient) ListChildren(ctx context.Context, p string) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	children, _, err := c.conn.Children(p)
	if err != nil {
		return nil, errors.Wrapf(translate(err), "list children of %s", p)
	}
	return children, nil
}

func (c *ZKClient) ReadData(ctx context.Context, p string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	data, _, err := c.conn.Get(p)
	if err != nil {
		return nil, errors.Wrapf(translate(err), "read %s", p)
	}
	return data, nil
}

func translate(err error) error {
	if errors.Is(err, zk.ErrNoNode) {
		return ErrNoNode
	}
	return err
}

func (c *ZKClient) SubscribeChildChanges(p string, l ChildListener) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	children, ch, err := c.armChildren(p)
	if err != nil {
		return nil, errors.Wrapf(err, "watch children of %s", p)
	}
	if c.ls.addChild(p, l) {
		c.wg.Add(1)
		go c.watchChildren(p, ch)
	}
	return children, nil
}

// armChildren sets a child watch on p. If p does not exist yet, an exists
// watch takes its place and the child list is empty.
func (c *ZKClient) armChildren(p string) ([]string, <-chan zk.Event, error) {
	children, _, ch, err := c.conn.ChildrenW(p)
	if errors.Is(err, zk.ErrNoNode) {
		exists, _, ech, err := c.conn.ExistsW(p)
		if err != nil {
			return nil, nil, err
		}
		if exists {
			return c.armChildren(p)
		}
		return nil, ech, nil
	}
	return children, ch, err
}

func (c *ZKClient) watchChildren(p string, ch <-chan zk.Event) {
	defer c.wg.Done()
	b := newWatchBackOff()
	for {
		select {
		case <-ch:
		case <-c.ctx.Done():
			return
		}
		for {
			children, next, err := c.armChildren(p)
			if err == nil {
				ch = next
				b.Reset()
				c.ls.fireChildren(p, children)
				break
			}
			c.logger.Warn("failed to re-arm child watch", zap.String("path", p), zap.Error(err))
			if !sleep(c.ctx, b) {
				return
			}
		}
	}
}

func (c *ZKClient) SubscribeDataChanges(p string, l DataListener) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	ctx, first := c.ls.addData(c.ctx, p, l)
	if !first {
		return nil
	}

	_, _, ch, err := c.armData(p)
	if err != nil {
		// the watch loop keeps retrying; nothing is lost but the first change
		c.logger.Warn("failed to arm data watch", zap.String("path", p), zap.Error(err))
		ch = nil
	}
	c.wg.Add(1)
	go c.watchData(ctx, p, ch)
	return nil
}

// armData sets a data watch on p and returns its payload. For a missing node
// an exists watch is set instead and present is false.
func (c *ZKClient) armData(p string) (data []byte, present bool, ch <-chan zk.Event, err error) {
	data, _, ch, err = c.conn.GetW(p)
	if errors.Is(err, zk.ErrNoNode) {
		exists, _, ech, err := c.conn.ExistsW(p)
		if err != nil {
			return nil, false, nil, err
		}
		if exists {
			return c.armData(p)
		}
		return nil, false, ech, nil
	}
	if err != nil {
		return nil, false, nil, err
	}
	return data, true, ch, nil
}

func (c *ZKClient) watchData(ctx context.Context, p string, ch <-chan zk.Event) {
	defer c.wg.Done()
	b := newWatchBackOff()
	armed := ch != nil
	for {
		if armed {
			select {
			case <-ch:
			case <-ctx.Done():
				return
			}
		}
		for {
			data, present, next, err := c.armData(p)
			if err == nil {
				ch = next
				armed = true
				b.Reset()
				if present {
					c.ls.fireData(p, data)
				}
				break
			}
			c.logger.Warn("failed to re-arm data watch", zap.String("path", p), zap.Error(err))
			if !sleep(ctx, b) {
				return
			}
		}
	}
}

func (c *ZKClient) UnsubscribeDataChanges(p string, l DataListener) {
	c.ls.removeData(p, l)
}

// Publish creates p as an ephemeral node holding data. The node is recreated
// if the session expires and a new one is established.
func (c *ZKClient) Publish(ctx context.Context, p string, data []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.EnsurePath(ctx, NodeParent(p)); err != nil {
		return err
	}
	if err := c.createEphemeral(p, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.published[p] = append([]byte(nil), data...)
	c.mu.Unlock()
	return nil
}

func (c *ZKClient) createEphemeral(p string, data []byte) error {
	return createEphemeral(c.conn, p, data)
}

// ephemeralConn is the part of *zk.Conn that publishing uses.
type ephemeralConn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Exists(path string) (bool, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	SessionID() int64
}

const maxPublishAttempts = 3

// createEphemeral makes p an ephemeral node of conn's session holding data.
// A node this session already owns is updated in place. A node owned by
// another session, typically the dead session of a restarted publisher, is
// deleted and recreated: setting its data would leave it bound to that
// session, and it would disappear when the session expires.
func createEphemeral(conn ephemeralConn, p string, data []byte) error {
	for i := 0; i < maxPublishAttempts; i++ {
		_, err := conn.Create(p, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "publish %s", p)
		}

		exists, stat, err := conn.Exists(p)
		if err != nil {
			return errors.Wrapf(err, "publish %s", p)
		}
		if !exists {
			continue
		}
		if stat.EphemeralOwner == conn.SessionID() {
			_, err = conn.Set(p, data, stat.Version)
			if errors.Is(err, zk.ErrBadVersion) || errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return errors.Wrapf(err, "publish %s", p)
		}

		err = conn.Delete(p, stat.Version)
		if err != nil && !errors.Is(err, zk.ErrNoNode) && !errors.Is(err, zk.ErrBadVersion) {
			return errors.Wrapf(err, "replace stale node %s", p)
		}
	}
	return errors.Errorf("publish %s: node changed concurrently %d times", p, maxPublishAttempts)
}

func (c *ZKClient) Unpublish(ctx context.Context, p string) error {
	c.mu.Lock()
	delete(c.published, p)
	c.mu.Unlock()

	err := c.conn.Delete(p, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrapf(err, "unpublish %s", p)
	}
	return nil
}

// Close stops every watch and closes the session, removing published nodes.
func (c *ZKClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.ctxCancel()
	c.ls.cancelAll()
	c.conn.Close()
	c.wg.Wait()
	return nil
}
