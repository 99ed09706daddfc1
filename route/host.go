// Package route holds the client's view of where RPC interfaces live.
//
// A coordination tree publishes one child node per server endpoint; the child
// name is the endpoint address and the node payload lists the interfaces it
// serves:
//
//	/mini-rpc/routes
//	  ├── 10.0.0.1:9000   {"interfaces":["Arith","Echo"]}
//	  └── 10.0.0.2:9000   {"interfaces":["Arith"]}
//
// Info values are immutable. A Table publishes them as whole Snapshots, swapped
// atomically, so readers on the call path never lock.
package route

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Host identifies one endpoint. It is a comparable value and is used as a map key.
type Host struct {
	IP   string
	Port int
}

// ParseHost turns a child node name such as "10.0.0.1:9000" into a Host.
func ParseHost(name string) (Host, error) {
	ip, portStr, err := net.SplitHostPort(name)
	if err != nil {
		return Host{}, errors.Wrapf(err, "route: invalid host %q", name)
	}
	if ip == "" {
		return Host{}, errors.Errorf("route: invalid host %q: empty address", name)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Host{}, errors.Errorf("route: invalid port in host %q", name)
	}
	return Host{IP: ip, Port: port}, nil
}

// MustParseHost is ParseHost for literals known to be valid. It panics otherwise.
func MustParseHost(name string) Host {
	h, err := ParseHost(name)
	if err != nil {
		panic(err)
	}
	return h
}

// String returns the address form used as the child node name.
func (h Host) String() string {
	return net.JoinHostPort(h.IP, strconv.Itoa(h.Port))
}

func (h Host) less(o Host) bool {
	if h.IP != o.IP {
		return h.IP < o.IP
	}
	return h.Port < o.Port
}
