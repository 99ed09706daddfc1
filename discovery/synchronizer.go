// Package discovery keeps a process's routing table in step with the route
// nodes published under a coordination root.
//
// Two notification streams feed it: membership changes of the root and
// payload changes of each watched node. Both are turned into route events and
// queued; a single worker drains the queue and republishes the table:
//
//	child change ─┐
//	              ├─► Handle ─► queue ─► drain (one at a time) ─► route.Table
//	data change  ─┘
//
// Readers consult the table without locking.
package discovery

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mini-route/codec"
	"mini-route/matcher"
	"mini-route/registry"
	"mini-route/route"
)

const (
	DefaultRoot = "/mini-rpc/routes"
	// DefaultBacklog is the number of drain schedules that may wait behind the
	// running one before new schedules are discarded.
	DefaultBacklog = 10000
)

type Options struct {
	Client registry.Client
	// Codec decodes node payloads. Defaults to JSON.
	Codec codec.Codec
	// Root is the coordination path whose children are endpoints.
	Root string
	// Includes and Excludes are wildcard specifications applied to child
	// names. A non-blank Includes disables Excludes.
	Includes string
	Excludes string
	Backlog  int
	Logger   *zap.Logger
	// Registerer receives the metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Table is published to. A fresh table is created when nil.
	Table *route.Table
	// OnPublish, if set, is called with every snapshot the synchronizer
	// publishes. It runs while table updates are held off and must return
	// quickly.
	OnPublish func(*route.Snapshot)
}

// Synchronizer maintains a route.Table from a coordination root.
//
// Watch callbacks may arrive on any goroutine. The set of known children is
// guarded by its own mutex, so the synchronizer does not depend on the
// backend serializing membership callbacks. Table writes happen only inside
// a drain, and drains never overlap.
//
// Every notification about a child takes a generation number from a counter
// under childMu before it does any I/O or decoding. Its event is queued under
// childMu again, and only if the child is still known and no later
// generation has been queued for it. A payload read for a creation therefore
// never overwrites a newer data change, and nothing is queued for a child
// after the DELETE that removed it.
type Synchronizer struct {
	client    registry.Client
	codec     codec.Codec
	root      string
	filter    *matcher.Filter
	logger    *zap.Logger
	metrics   *metrics
	table     *route.Table
	onPublish func(*route.Snapshot)

	exec *serialExecutor
	// warn throttles the saturation warning to one per second.
	warn *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	queueMu sync.Mutex
	queue   []route.Event

	// updateMu serializes drains and holds them off until the first snapshot
	// is published.
	updateMu sync.Mutex
	started  atomic.Bool

	childMu sync.Mutex
	known   map[string]*child
	gen     uint64

	members *membershipListener
	nodes   *dataListener
}

// New validates opts and builds a Synchronizer. Nothing is read or watched
// until Start.
func New(opts Options) (*Synchronizer, error) {
	if opts.Client == nil {
		return nil, errors.New("discovery: no coordination client")
	}
	filter, err := matcher.NewFilter(opts.Includes, opts.Excludes)
	if err != nil {
		return nil, errors.Wrap(err, "build route filter")
	}
	if opts.Codec == nil {
		opts.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Table == nil {
		opts.Table = route.NewTable()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		client:    opts.Client,
		codec:     opts.Codec,
		root:      opts.Root,
		filter:    filter,
		logger:    opts.Logger,
		metrics:   newMetrics(opts.Registerer),
		table:     opts.Table,
		onPublish: opts.OnPublish,
		exec:      newSerialExecutor(opts.Backlog),
		warn:      rate.NewLimiter(rate.Every(time.Second), 1),
		ctx:       ctx,
		cancel:    cancel,
		known:     make(map[string]*child),
	}
	s.members = &membershipListener{s: s}
	s.nodes = &dataListener{s: s}
	return s, nil
}

// Start performs the initial sync: it subscribes to the root's membership,
// reads every surviving child, watches its payload and publishes the first
// snapshot. It blocks until that snapshot is visible. An unreachable or
// uncreatable root is returned as an error; individual unreadable nodes are
// not.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	if s.closed.Load() {
		return registry.ErrClosed
	}
	if s.started.Load() {
		return errors.New("discovery: already started")
	}

	if err := s.client.EnsurePath(ctx, s.root); err != nil {
		return errors.Wrapf(err, "ensure route root %s", s.root)
	}

	// Membership callbacks that race with the initial read wait here and then
	// diff against the initial set.
	s.childMu.Lock()
	children, err := s.client.SubscribeChildChanges(s.root, s.members)
	if err != nil {
		s.childMu.Unlock()
		return errors.Wrapf(err, "watch route root %s", s.root)
	}
	ids := s.filter.Apply(children)
	for _, id := range ids {
		s.known[id] = &child{since: s.nextGen()}
	}
	s.childMu.Unlock()
	s.logger.Debug("valid rpc servers", zap.Strings("children", ids))

	routes := make(map[route.Host]*route.Info, len(ids))
	for _, id := range ids {
		if !s.watchKnown(id) {
			// removed by a membership change that overtook the initial read
			continue
		}
		info, ok := s.fetch(ctx, id)
		if !ok || !info.Valid() {
			continue
		}
		routes[info.Host()] = info
	}

	snap := s.publish(routes)
	s.started.Store(true)
	s.logger.Info("initial routing table published",
		zap.Int("hosts", snap.Len()),
		zap.Int("children", len(ids)),
		zap.String("root", s.root),
	)
	return nil
}

// fetch reads and decodes the payload of child id. Failures are logged and
// reported as !ok.
func (s *Synchronizer) fetch(ctx context.Context, id string) (*route.Info, bool) {
	host, err := route.ParseHost(id)
	if err != nil {
		s.metrics.fetchFailures.WithLabelValues(reasonDecode).Inc()
		s.logger.Warn("ignoring child with unparseable name", zap.String("child", id), zap.Error(err))
		return nil, false
	}
	data, err := s.client.ReadData(ctx, registry.ChildPath(s.root, id))
	if err != nil {
		s.metrics.fetchFailures.WithLabelValues(reasonRead).Inc()
		s.logger.Warn("failed to read route node", zap.Stringer("host", host), zap.Error(err))
		return nil, false
	}
	info, err := s.codec.Decode(host, data)
	if err != nil {
		s.metrics.fetchFailures.WithLabelValues(reasonDecode).Inc()
		s.logger.Warn("failed to decode route node", zap.Stringer("host", host), zap.Error(err))
		return nil, false
	}
	return info, true
}

func (s *Synchronizer) watch(id string) {
	p := registry.ChildPath(s.root, id)
	if err := s.client.SubscribeDataChanges(p, s.nodes); err != nil {
		s.logger.Warn("failed to watch route node", zap.String("path", p), zap.Error(err))
	}
}

// watchKnown watches id and reports whether it is still a known child. A
// child removed while the subscription was being made is unwatched again, so
// no data watch outlives its membership.
func (s *Synchronizer) watchKnown(id string) bool {
	s.watch(id)
	if s.isKnown(id) {
		return true
	}
	s.unwatch(id)
	return false
}

func (s *Synchronizer) unwatch(id string) {
	s.client.UnsubscribeDataChanges(registry.ChildPath(s.root, id), s.nodes)
}

// Handle queues ev and schedules a drain. When the drain backlog is full the
// schedule is discarded but ev stays queued: it is applied by the next drain
// that does run. Events handed in before Start has published the initial
// snapshot, or after Close, are ignored.
func (s *Synchronizer) Handle(ev route.Event) {
	if !s.started.Load() {
		return
	}
	s.enqueue(ev)
}

// enqueue never blocks, so it may be called with childMu held.
func (s *Synchronizer) enqueue(ev route.Event) {
	if ev == nil || s.closed.Load() {
		return
	}
	s.queueMu.Lock()
	s.queue = append(s.queue, ev)
	s.queueMu.Unlock()
	s.metrics.events.WithLabelValues(ev.Type().String()).Inc()

	if s.exec.Submit(s.drain) {
		return
	}
	if s.closed.Load() {
		return
	}
	s.metrics.discarded.Inc()
	if s.warn.Allow() {
		s.logger.Warn("route drain backlog full, schedule discarded",
			zap.Stringer("host", ev.Host()),
			zap.Int("queued", s.queued()),
		)
	}
}

func (s *Synchronizer) queued() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

// drain merges everything queued into the table. Only the executor's worker
// calls it.
func (s *Synchronizer) drain() {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.queueMu.Lock()
	batch := s.queue
	s.queue = nil
	s.queueMu.Unlock()
	if len(batch) == 0 {
		return
	}
	s.metrics.drains.Inc()

	if s.logger.Core().Enabled(zap.DebugLevel) {
		for i, ev := range batch {
			s.logger.Debug("applying route event",
				zap.Int("seq", i),
				zap.Stringer("type", ev.Type()),
				zap.Stringer("host", ev.Host()),
			)
		}
	}

	next, changes := route.Merge(s.table.Snapshot(), batch)
	if changes == 0 {
		return
	}
	s.metrics.changes.Add(float64(changes))
	snap := s.publish(next)
	s.logger.Debug("routing table republished",
		zap.Int("changes", changes),
		zap.Int("hosts", snap.Len()),
		zap.Uint64("version", snap.Version()),
	)
}

// publish must be called with updateMu held.
func (s *Synchronizer) publish(routes map[route.Host]*route.Info) *route.Snapshot {
	snap := s.table.Replace(routes)
	s.metrics.hosts.Set(float64(snap.Len()))
	if s.onPublish != nil {
		s.onPublish(snap)
	}
	return snap
}

// child is the membership record of a known child.
type child struct {
	since   uint64 // generation at which it joined
	emitted uint64 // generation of the last event queued for it
}

// nextGen must be called with childMu held.
func (s *Synchronizer) nextGen() uint64 {
	s.gen++
	return s.gen
}

// stamp returns a fresh generation for a notification about id, or 0 when id
// is not a known child.
func (s *Synchronizer) stamp(id string) uint64 {
	s.childMu.Lock()
	defer s.childMu.Unlock()
	if _, ok := s.known[id]; !ok {
		return 0
	}
	return s.nextGen()
}

// emit queues ev for the notification about id stamped gen. It is dropped when
// id has left the membership since, or when a later notification about id
// got its event queued first.
func (s *Synchronizer) emit(id string, gen uint64, ev route.Event) bool {
	s.childMu.Lock()
	defer s.childMu.Unlock()
	c, ok := s.known[id]
	if !ok || gen < c.since || gen <= c.emitted {
		return false
	}
	c.emitted = gen
	s.enqueue(ev)
	return true
}

func (s *Synchronizer) isKnown(id string) bool {
	s.childMu.Lock()
	defer s.childMu.Unlock()
	_, ok := s.known[id]
	return ok
}

// KnownChildren returns the filtered child names the synchronizer currently
// believes exist, sorted.
func (s *Synchronizer) KnownChildren() []string {
	s.childMu.Lock()
	defer s.childMu.Unlock()
	out := make([]string, 0, len(s.known))
	for id := range s.known {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Synchronizer) Table() *route.Table {
	return s.table
}

// Snapshot is shorthand for Table().Snapshot().
func (s *Synchronizer) Snapshot() *route.Snapshot {
	return s.table.Snapshot()
}

// Close stops the drain worker and drops every data watch. The coordination
// client is left open; it belongs to the caller. Events still queued are
// not applied.
func (s *Synchronizer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.exec.Close()

	s.childMu.Lock()
	ids := make([]string, 0, len(s.known))
	for id := range s.known {
		ids = append(ids, id)
	}
	s.childMu.Unlock()
	for _, id := range ids {
		s.unwatch(id)
	}
	return nil
}

// membershipListener reacts to child changes of the root.
type membershipListener struct {
	s *Synchronizer
}

func (l *membershipListener) HandleChildChange(parentPath string, children []string) {
	s := l.s
	if s.closed.Load() {
		return
	}
	ids := s.filter.Apply(children)

	// The new baseline is in place before any event is emitted, so a
	// notification that follows diffs against it. DELETEs are queued before
	// childMu is released: a data change still in flight for a removed child
	// finds it unknown and queues nothing after them.
	s.childMu.Lock()
	next := make(map[string]*child, len(ids))
	added := make(map[string]uint64)
	for _, id := range ids {
		if _, dup := next[id]; dup {
			continue
		}
		if c, ok := s.known[id]; ok {
			next[id] = c
			continue
		}
		c := &child{since: s.nextGen()}
		next[id] = c
		added[id] = c.since
	}
	var removed []string
	for id := range s.known {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	s.known = next
	for _, id := range removed {
		host, err := route.ParseHost(id)
		if err != nil {
			continue
		}
		s.enqueue(route.NewDelete(host))
	}
	s.childMu.Unlock()

	for _, id := range removed {
		s.logger.Debug("route node deleted", zap.String("child", id))
		s.unwatch(id)
	}

	for _, id := range ids {
		gen, ok := added[id]
		if !ok {
			continue
		}
		delete(added, id)
		s.logger.Debug("route node created", zap.String("child", id))
		if !s.watchKnown(id) {
			continue
		}
		info, ok := s.fetch(s.ctx, id)
		if !ok {
			continue
		}
		if !info.Valid() {
			s.logger.Debug("route node has no interface", zap.String("child", id))
			continue
		}
		if !s.emit(id, gen, route.NewCreate(info)) {
			s.logger.Debug("route node creation superseded", zap.String("child", id))
		}
	}
}

// dataListener reacts to payload changes of watched nodes.
type dataListener struct {
	s *Synchronizer
}

func (l *dataListener) HandleDataChange(dataPath string, data []byte) {
	s := l.s
	if s.closed.Load() {
		return
	}
	id := registry.NodeName(dataPath)
	gen := s.stamp(id)
	if gen == 0 {
		// removed, or filtered out, after the payload was read
		return
	}
	host, err := route.ParseHost(id)
	if err != nil {
		return
	}

	info, err := s.codec.Decode(host, data)
	if err != nil {
		s.metrics.fetchFailures.WithLabelValues(reasonDecode).Inc()
		s.logger.Warn("invalid route node, removing", zap.Stringer("host", host), zap.Error(err))
		s.emit(id, gen, route.NewDelete(host))
		return
	}
	if !info.Valid() {
		s.logger.Debug("route node has no interface, removing", zap.Stringer("host", host))
		s.emit(id, gen, route.NewDelete(host))
		return
	}
	s.emit(id, gen, route.NewModify(info))
}
