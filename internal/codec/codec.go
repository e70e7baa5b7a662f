// Package codec encodes signaling envelopes for the WebSocket transport.
//
// The codec is negotiated through the WebSocket subprotocol header. Clients
// that do not offer a subprotocol get JSON.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	SubprotocolJSON    = "meshroom.json"
	SubprotocolMsgpack = "meshroom.msgpack"
)

// Codec converts envelopes to and from WebSocket frames.
type Codec interface {
	// Name is the WebSocket subprotocol identifying this codec.
	Name() string
	// FrameType is the gorilla/websocket message type used for frames.
	FrameType() int
	Encode(msg models.SignalMessage) ([]byte, error)
	Decode(data []byte, msg *models.SignalMessage) error
}

// Subprotocols lists every supported subprotocol in server preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgpack}
}

// ForSubprotocol returns the codec for a negotiated subprotocol. The empty
// string selects JSON.
func ForSubprotocol(name string) (Codec, error) {
	switch name {
	case "", SubprotocolJSON, "json":
		return JSON{}, nil
	case SubprotocolMsgpack, "msgpack":
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}

// JSON is the default text codec.
type JSON struct{}

func (JSON) Name() string   { return SubprotocolJSON }
func (JSON) FrameType() int { return websocket.TextMessage }

func (JSON) Encode(msg models.SignalMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSON) Decode(data []byte, msg *models.SignalMessage) error {
	return json.Unmarshal(data, msg)
}

// Msgpack is the binary codec. It reuses the json struct tags so both codecs
// agree on field names.
type Msgpack struct{}

func (Msgpack) Name() string   { return SubprotocolMsgpack }
func (Msgpack) FrameType() int { return websocket.BinaryMessage }

func (Msgpack) Encode(msg models.SignalMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Msgpack) Decode(data []byte, msg *models.SignalMessage) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(msg)
}
