package route

// EventType tags a route change.
type EventType int

const (
	Create EventType = iota
	Modify
	Delete
)

func (t EventType) String() string {
	switch t {
	case Create:
		return "CREATE"
	case Modify:
		return "MODIFY"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is a single change to apply to the routing table.
// The only implementations are UpsertEvent and DeleteEvent.
type Event interface {
	Type() EventType
	Host() Host
	sealed()
}

// UpsertEvent adds or replaces the route of one endpoint.
// Create and Modify behave the same when merged; the tag is kept for logs.
type UpsertEvent struct {
	typ   EventType
	route *Info
}

// NewCreate reports an endpoint that just appeared.
func NewCreate(r *Info) UpsertEvent { return UpsertEvent{typ: Create, route: r} }

// NewModify reports a new payload for a known endpoint.
func NewModify(r *Info) UpsertEvent { return UpsertEvent{typ: Modify, route: r} }

func (e UpsertEvent) Type() EventType { return e.typ }
func (e UpsertEvent) Host() Host      { return e.route.Host() }
func (e UpsertEvent) Route() *Info    { return e.route }
func (UpsertEvent) sealed()           {}

// DeleteEvent removes one endpoint. It carries no route.
type DeleteEvent struct {
	host Host
}

func NewDelete(h Host) DeleteEvent { return DeleteEvent{host: h} }

func (DeleteEvent) Type() EventType { return Delete }
func (e DeleteEvent) Host() Host    { return e.host }
func (DeleteEvent) sealed()         {}
