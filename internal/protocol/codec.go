package protocol

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so equal frames produce
// identical bytes. Timestamps are RFC 3339 text.
var encMode cbor.EncMode

// decMode ignores unknown fields so older clients keep working.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is an encoded payload whose decoding is deferred until the
// event name is known.
type RawMessage = cbor.RawMessage

// Encoder writes a stream of frames.
type Encoder = cbor.Encoder

// Decoder reads a stream of frames.
type Decoder = cbor.Decoder

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder returns an encoder writing frames to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a decoder reading frames from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
