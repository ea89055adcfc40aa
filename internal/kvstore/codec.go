package kvstore

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// JSONCodec marshals with encoding/json, the default for human-debuggable
// values such as registry entries and election state.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec marshals with vmihailenco/msgpack, for values where
// payload size makes JSON's overhead worth avoiding. The registry and
// election buckets use JSONCodec.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
