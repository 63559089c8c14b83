package model

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Websocket subprotocols understood by both ends.
const (
	SubprotocolJSON    = "json"
	SubprotocolMsgpack = "msgpack"
)

// Codec encodes announcement envelopes on the wire.
type Codec interface {
	Name() string
	Binary() bool
	Marshal(ann *Announcement) ([]byte, error)
	Unmarshal(b []byte, ann *Announcement) error
}

// CodecFor returns codec for negotiated subprotocol, JSON is the fallback.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return SubprotocolJSON }

func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Marshal(ann *Announcement) ([]byte, error) {
	return json.Marshal(ann)
}

func (JSONCodec) Unmarshal(b []byte, ann *Announcement) error {
	return json.Unmarshal(b, ann)
}

type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return SubprotocolMsgpack }

func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Marshal(ann *Announcement) ([]byte, error) {
	return msgpack.Marshal(ann)
}

func (MsgpackCodec) Unmarshal(b []byte, ann *Announcement) error {
	return msgpack.Unmarshal(b, ann)
}
