// Package codec converts coordination node payloads to and from route.Info.
//
// The node name carries the endpoint address, so payloads only describe what
// the endpoint serves. Two formats exist:
//
//	JSON:   {"interfaces":["Arith","Echo"],"weight":10,"meta":{"zone":"a"}}
//	Binary: u16 n │ n × (u16 len, name) │ u32 weight │ u16 m │ m × (u16 len, key, u16 len, value)
package codec

import (
	"strings"

	"github.com/pkg/errors"

	"mini-route/route"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// ErrMalformed is returned for payloads that cannot be decoded.
var ErrMalformed = errors.New("codec: malformed route payload")

type Codec interface {
	Encode(info *route.Info) ([]byte, error)
	// Decode builds the route of host from a node payload. A payload with no
	// interfaces decodes successfully into an Info that is not Valid.
	Decode(host route.Host, data []byte) (*route.Info, error)
	Type() CodecType // 0=JSON, 1=Binary
}

// record is the payload body shared by both formats.
type record struct {
	Interfaces []string          `json:"interfaces"`
	Weight     int               `json:"weight,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

func toRecord(info *route.Info) record {
	return record{
		Interfaces: info.Interfaces(),
		Weight:     info.Weight(),
		Meta:       info.Meta(),
	}
}

func (r record) info(host route.Host) *route.Info {
	return route.NewInfo(host, r.Interfaces, route.WithWeight(r.Weight), route.WithMeta(r.Meta))
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseType maps a configuration name ("json", "binary") to a CodecType.
func ParseType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	default:
		return 0, errors.Errorf("codec: unknown codec %q", name)
	}
}
