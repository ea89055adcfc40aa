package messaging

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cuemby/aegis/pkg/aegiserr"
)

// Serialization selects the wire format a Messenger encodes outbound
// envelopes with. Inbound envelopes are always auto-detected regardless of
// this setting: a receiver decodes as JSON when the first byte is the
// JSON object lead byte and as MessagePack otherwise.
type Serialization string

const (
	SerializationJSON    Serialization = "json"
	SerializationMsgpack Serialization = "msgpack"
)

// jsonLeadByte is the first byte of every JSON object envelope this
// package encodes ('{' = 0x7B). MessagePack never emits that byte as the
// first byte of a map encoding (fixmap is 0x80-0x8f, map16 is 0xde, map32
// is 0xdf), so it doubles as the auto-detection magic byte.
const jsonLeadByte = '{'

func encode(v any, format Serialization) ([]byte, error) {
	switch format {
	case SerializationMsgpack:
		data, err := msgpack.Marshal(v)
		if err != nil {
			return nil, aegiserr.Wrap(aegiserr.KindSerialization, "encoding msgpack envelope", err)
		}
		return data, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, aegiserr.Wrap(aegiserr.KindSerialization, "encoding json envelope", err)
		}
		return data, nil
	}
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return aegiserr.New(aegiserr.KindSerialization, "empty envelope")
	}
	var err error
	if data[0] == jsonLeadByte {
		err = json.Unmarshal(data, v)
	} else {
		err = msgpack.Unmarshal(data, v)
	}
	if err != nil {
		return aegiserr.Wrap(aegiserr.KindSerialization, "decoding envelope", err)
	}
	return nil
}
