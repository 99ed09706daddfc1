package codec

import (
	"encoding/json"

	"github.com/pkg/errors"

	"mini-route/route"
)

// JSONCodec stores payloads as JSON objects.
// Human-readable in zkCli/etcdctl, which is why it is the default.
type JSONCodec struct{}

func (c *JSONCodec) Encode(info *route.Info) ([]byte, error) {
	return json.Marshal(toRecord(info))
}

func (c *JSONCodec) Decode(host route.Host, data []byte) (*route.Info, error) {
	if len(data) == 0 {
		return nil, errors.Wrapf(ErrMalformed, "empty payload for %s", host)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %v", host, err)
	}
	return r.info(host), nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
