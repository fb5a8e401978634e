package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/utf8"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// Content types and encodings understood by the default codec.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/x-msgpack"
	ContentTypeYAML    = "application/x-yaml"

	EncodingUTF8   = "utf-8"
	EncodingBinary = "binary"
)

// Serializer converts the message body to and from bytes for one content type.
type Serializer interface {
	// ContentType is the MIME type written to the envelope.
	ContentType() string
	// ContentEncoding is the character encoding written to the envelope.
	ContentEncoding() string
	// Marshal serializes a value to bytes.
	Marshal(any) ([]byte, error)
	// Unmarshal deserializes bytes into generic values
	// ([]any, map[string]any, strings, numbers, bools, nil).
	Unmarshal([]byte) (any, error)
}

// jsonDecoder keeps integers exact: they decode as int64, like msgpack.
var jsonDecoder = sonic.Config{UseInt64: true}.Froze()

// JSONSerializer uses the standard library for encoding and sonic for decoding.
// Integers decode as int64 and other numbers as float64; an integral float
// such as 2.0 therefore comes back as int64(2).
type JSONSerializer struct{}

func (JSONSerializer) ContentType() string     { return ContentTypeJSON }
func (JSONSerializer) ContentEncoding() string { return EncodingUTF8 }

// Marshal serializes a value to JSON using the standard library. Strings that
// are not valid UTF-8 fail with ErrInvalidUTF8 instead of being rewritten.
func (JSONSerializer) Marshal(v any) ([]byte, error) {
	if err := checkUTF8(v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Unmarshal deserializes JSON bytes using sonic.
func (JSONSerializer) Unmarshal(data []byte) (any, error) {
	var v any
	if err := jsonDecoder.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// checkUTF8 walks the generic shapes task arguments are built from.
func checkUTF8(v any) error {
	switch x := v.(type) {
	case string:
		if !utf8.ValidateString(x) {
			return fmt.Errorf("%w: %q", ErrInvalidUTF8, x)
		}
	case []string:
		for _, s := range x {
			if err := checkUTF8(s); err != nil {
				return err
			}
		}
	case []any:
		for _, e := range x {
			if err := checkUTF8(e); err != nil {
				return err
			}
		}
	case map[string]any:
		for k, e := range x {
			if err := checkUTF8(k); err != nil {
				return err
			}
			if err := checkUTF8(e); err != nil {
				return err
			}
		}
	case map[string]string:
		for k, e := range x {
			if err := checkUTF8(k); err != nil {
				return err
			}
			if err := checkUTF8(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// MsgpackSerializer is the compact binary serializer.
type MsgpackSerializer struct{}

func (MsgpackSerializer) ContentType() string     { return ContentTypeMsgpack }
func (MsgpackSerializer) ContentEncoding() string { return EncodingBinary }

func (MsgpackSerializer) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

// Unmarshal decodes integers as int64/uint64 and maps as map[string]any.
func (MsgpackSerializer) Unmarshal(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// YAMLSerializer is the human-readable alternative to JSON.
type YAMLSerializer struct{}

func (YAMLSerializer) ContentType() string     { return ContentTypeYAML }
func (YAMLSerializer) ContentEncoding() string { return EncodingUTF8 }

func (YAMLSerializer) Marshal(v any) ([]byte, error) { return yaml.Marshal(v) }

// Unmarshal widens integers to int64 so every serializer yields the same shapes.
func (YAMLSerializer) Unmarshal(data []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return widenInts(v), nil
}

func widenInts(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case []any:
		for i := range x {
			x[i] = widenInts(x[i])
		}
	case map[string]any:
		for k := range x {
			x[k] = widenInts(x[k])
		}
	case map[any]any:
		for k := range x {
			x[k] = widenInts(x[k])
		}
	}
	return v
}
