// Package format decodes the payloads endpoints publish. The encoding is
// recognized from the first byte of the payload: JSON, CBOR, or JSON
// deflated with zlib behind the marker byte 'z'.
package format

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zlib"
	"github.com/relabs-tech/cloudio/iot/model"
)

// ErrUnrecognizedFormat is returned when no decoder claims a payload
var ErrUnrecognizedFormat = errors.New("unrecognized message format")

// Format is a wire encoding of the device model
type Format int

// The supported formats
const (
	JSON Format = iota
	CBOR
	JSONZip
)

// zipMarker precedes the deflated JSON document
const zipMarker = 'z'

func (f Format) String() string {
	switch f {
	case JSON:
		return "JSON"
	case CBOR:
		return "CBOR"
	case JSONZip:
		return "JSON+ZIP"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Detect returns the format of data
func Detect(data []byte) (Format, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty payload", ErrUnrecognizedFormat)
	}
	switch b := data[0]; {
	case b == '{':
		return JSON, nil
	case b&0xE0 == 0xA0:
		return CBOR, nil
	case b == zipMarker:
		return JSONZip, nil
	default:
		return 0, fmt.Errorf("%w: first byte 0x%02x", ErrUnrecognizedFormat, b)
	}
}

// DecodeEndpoint decodes a full endpoint model
func DecodeEndpoint(data []byte) (*model.Endpoint, error) {
	endpoint := model.NewEndpoint()
	if err := decode(data, endpoint); err != nil {
		return nil, err
	}
	if err := endpoint.Normalize(); err != nil {
		return nil, err
	}
	return endpoint, nil
}

// DecodeNode decodes a single node
func DecodeNode(data []byte) (*model.Node, error) {
	node := &model.Node{}
	if err := decode(data, node); err != nil {
		return nil, err
	}
	if err := node.Normalize(); err != nil {
		return nil, err
	}
	return node, nil
}

// DecodeAttribute decodes a single attribute. An attribute without
// timestamp carries the timestamp -1.
func DecodeAttribute(data []byte) (*model.Attribute, error) {
	attribute := &model.Attribute{Timestamp: -1}
	if err := decode(data, attribute); err != nil {
		return nil, err
	}
	if err := attribute.Normalize(); err != nil {
		return nil, err
	}
	return attribute, nil
}

// Encode encodes v in the given format
func Encode(f Format, v interface{}) ([]byte, error) {
	switch f {
	case JSON:
		return json.Marshal(v)
	case CBOR:
		return cbor.Marshal(v)
	case JSONZip:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		buf.WriteByte(zipMarker)
		w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err = w.Write(body); err != nil {
			return nil, err
		}
		if err = w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnrecognizedFormat, f)
}

func decode(data []byte, v interface{}) error {
	f, err := Detect(data)
	if err != nil {
		return err
	}
	switch f {
	case CBOR:
		if err = cbor.Unmarshal(data, v); err != nil {
			return fmt.Errorf("cannot decode CBOR: %w", err)
		}
		return nil
	case JSONZip:
		r, err := zlib.NewReader(bytes.NewReader(data[1:]))
		if err != nil {
			return fmt.Errorf("cannot inflate payload: %w", err)
		}
		defer r.Close()
		body, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("cannot inflate payload: %w", err)
		}
		return decodeJSON(body, v)
	default:
		return decodeJSON(data, v)
	}
}

func decodeJSON(data []byte, v interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("cannot decode JSON: %w", err)
	}
	return nil
}
