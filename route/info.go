package route

import (
	"maps"
	"slices"
	"sort"
)

// Info describes one endpoint and the interfaces it exports.
// It is immutable once built; accessors hand out copies.
type Info struct {
	host       Host
	interfaces []string // sorted, deduplicated
	weight     int
	meta       map[string]string
}

// Option customises an Info under construction.
type Option func(*Info)

// WithWeight sets the advertised weight.
func WithWeight(w int) Option {
	return func(i *Info) { i.weight = w }
}

// WithMeta attaches free-form metadata. The map is copied.
func WithMeta(meta map[string]string) Option {
	return func(i *Info) {
		if len(meta) > 0 {
			i.meta = maps.Clone(meta)
		}
	}
}

// NewInfo builds an Info. Blank and duplicate interface names are dropped.
func NewInfo(host Host, interfaces []string, opts ...Option) *Info {
	set := make(map[string]struct{}, len(interfaces))
	for _, intf := range interfaces {
		if intf != "" {
			set[intf] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(set))
	for intf := range set {
		sorted = append(sorted, intf)
	}
	sort.Strings(sorted)

	info := &Info{host: host, interfaces: sorted}
	for _, opt := range opts {
		opt(info)
	}
	return info
}

func (i *Info) Host() Host { return i.host }

// Interfaces returns the sorted interface names.
func (i *Info) Interfaces() []string { return slices.Clone(i.interfaces) }

func (i *Info) Weight() int { return i.weight }

// Meta returns a copy of the metadata, nil when there is none.
func (i *Info) Meta() map[string]string { return maps.Clone(i.meta) }

// Serves reports whether the endpoint exports intf.
func (i *Info) Serves(intf string) bool {
	_, found := slices.BinarySearch(i.interfaces, intf)
	return found
}

// Valid reports whether the endpoint is routable. An Info with no interfaces
// is treated as absent.
func (i *Info) Valid() bool {
	return i != nil && len(i.interfaces) > 0
}

// Equal reports whether two Infos carry the same route.
func (i *Info) Equal(o *Info) bool {
	if i == nil || o == nil {
		return i == o
	}
	return i.host == o.host &&
		i.weight == o.weight &&
		slices.Equal(i.interfaces, o.interfaces) &&
		maps.Equal(i.meta, o.meta)
}
