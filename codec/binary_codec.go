package codec

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/pkg/errors"

	"mini-route/route"
)

// BinaryCodec is a compact big-endian, length-prefixed format.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(info *route.Info) ([]byte, error) {
	r := toRecord(info)
	if len(r.Interfaces) > math.MaxUint16 || len(r.Meta) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: too many entries")
	}
	if r.Weight < 0 || int64(r.Weight) > math.MaxUint32 {
		return nil, errors.Errorf("BinaryCodec: weight %d out of range", r.Weight)
	}

	keys := make([]string, 0, len(r.Meta))
	for k := range r.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Calculate the length of the payload
	total := 2 + 4 + 2
	for _, intf := range r.Interfaces {
		total += 2 + len(intf)
	}
	for _, k := range keys {
		total += 2 + len(k) + 2 + len(r.Meta[k])
	}
	buf := make([]byte, 0, total)

	// Interface count -- 2 bytes, then each name
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Interfaces)))
	for _, intf := range r.Interfaces {
		var err error
		if buf, err = appendString(buf, intf); err != nil {
			return nil, err
		}
	}

	// Weight -- 4 bytes
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Weight))

	// Meta count -- 2 bytes, then key/value pairs in key order
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		var err error
		if buf, err = appendString(buf, k); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, r.Meta[k]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, errors.Errorf("BinaryCodec: string of %d bytes too long", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// reader walks a payload, remembering the first short read.
type reader struct {
	data   []byte
	offset int
	short  bool
}

func (r *reader) take(n int) []byte {
	if r.short || r.offset+n > len(r.data) {
		r.short = true
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *reader) uint16() int {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint16(b))
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string() string {
	return string(r.take(r.uint16()))
}

func (c *BinaryCodec) Decode(host route.Host, data []byte) (*route.Info, error) {
	rd := &reader{data: data}
	var rec record

	n := rd.uint16()
	for i := 0; i < n && !rd.short; i++ {
		rec.Interfaces = append(rec.Interfaces, rd.string())
	}

	rec.Weight = int(rd.uint32())

	m := rd.uint16()
	if m > 0 && !rd.short {
		rec.Meta = make(map[string]string, m)
	}
	for i := 0; i < m && !rd.short; i++ {
		k := rd.string()
		rec.Meta[k] = rd.string()
	}

	if rd.short {
		return nil, errors.Wrapf(ErrMalformed, "%s: truncated at byte %d of %d", host, rd.offset, len(data))
	}
	if rd.offset != len(data) {
		return nil, errors.Wrapf(ErrMalformed, "%s: %d trailing bytes", host, len(data)-rd.offset)
	}
	return rec.info(host), nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
