package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

const (
	bodyEncodingBase64 = "base64"
	deliveryPersistent = 2
	maxReprLen         = 1024
)

// envelope is the transport-level JSON document.
type envelope struct {
	Body            string     `json:"body"`
	ContentType     string     `json:"content-type"`
	ContentEncoding string     `json:"content-encoding"`
	Headers         headers    `json:"headers"`
	Properties      properties `json:"properties"`
}

type headers struct {
	Lang        string      `json:"lang"`
	Task        string      `json:"task"`
	ID          string      `json:"id"`
	RootID      string      `json:"root_id,omitempty"`
	ParentID    string      `json:"parent_id,omitempty"`
	Retries     int         `json:"retries"`
	ETA         *string     `json:"eta"`
	Expires     *string     `json:"expires"`
	TimeLimit   [2]*float64 `json:"timelimit"`
	MaxRetries  *int        `json:"max_retries,omitempty"`
	ArgsRepr    string      `json:"argsrepr"`
	KwargsRepr  string      `json:"kwargsrepr"`
	Origin      string      `json:"origin,omitempty"`
	Compression string      `json:"compression,omitempty"`
}

type properties struct {
	CorrelationID string       `json:"correlation_id"`
	ReplyTo       string       `json:"reply_to,omitempty"`
	Priority      int          `json:"priority"`
	BodyEncoding  string       `json:"body_encoding"`
	DeliveryMode  int          `json:"delivery_mode"`
	DeliveryTag   string       `json:"delivery_tag"`
	DeliveryInfo  deliveryInfo `json:"delivery_info"`
}

type deliveryInfo struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// embed is the third element of the body triple. Workflow primitives are not
// supported, so every field is always null.
type embed struct {
	Callbacks []any `json:"callbacks" msgpack:"callbacks" yaml:"callbacks"`
	Errbacks  []any `json:"errbacks" msgpack:"errbacks" yaml:"errbacks"`
	Chain     []any `json:"chain" msgpack:"chain" yaml:"chain"`
	Chord     any   `json:"chord" msgpack:"chord" yaml:"chord"`
}

// Codec converts messages to and from their wire representation.
// Serializers and compressors are pluggable; a Codec is safe for concurrent use.
type Codec struct {
	mu          sync.RWMutex
	serializers map[string]Serializer
	compressors map[string]Compressor
}

// NewCodec returns a codec with the JSON, msgpack and YAML serializers and the
// zlib and zstd compressors registered.
func NewCodec() *Codec {
	c := &Codec{
		serializers: make(map[string]Serializer),
		compressors: make(map[string]Compressor),
	}
	c.Register(JSONSerializer{})
	c.Register(MsgpackSerializer{})
	c.Register(YAMLSerializer{})
	c.RegisterCompressor(ZlibCompressor{})
	if z, err := NewZstdCompressor(); err == nil {
		c.RegisterCompressor(z)
	}
	return c
}

var defaultCodec = NewCodec()

// DefaultCodec returns the process-wide codec used when none is configured.
func DefaultCodec() *Codec { return defaultCodec }

func serializerKey(contentType, contentEncoding string) string {
	return contentType + "|" + contentEncoding
}

// Register adds or replaces the serializer for its content type and encoding.
func (c *Codec) Register(s Serializer) {
	c.mu.Lock()
	c.serializers[serializerKey(s.ContentType(), s.ContentEncoding())] = s
	c.mu.Unlock()
}

// RegisterCompressor adds or replaces a compressor under its name.
func (c *Codec) RegisterCompressor(z Compressor) {
	c.mu.Lock()
	c.compressors[z.Name()] = z
	c.mu.Unlock()
}

func (c *Codec) serializer(contentType, contentEncoding string) (Serializer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.serializers[serializerKey(contentType, contentEncoding)]
	return s, ok
}

func (c *Codec) compressor(name string) (Compressor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	z, ok := c.compressors[name]
	return z, ok
}

// Encode serializes m into a transport envelope. Failures to serialize the
// arguments are reported as *SerializationError.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, &SerializationError{Err: errors.New("nil message")}
	}
	ct, ce := m.Properties.ContentType, m.Properties.ContentEncoding
	if ct == "" {
		ct = ContentTypeJSON
	}
	s, ok := c.serializer(ct, defaultEncoding(ct, ce))
	if !ok {
		return nil, &SerializationError{ContentType: ct, Err: ErrUnsupportedContentType}
	}
	ce = s.ContentEncoding()

	body, err := c.EncodeBody(m.Args, m.Kwargs, ct, ce, m.Properties.Compression)
	if err != nil {
		return nil, err
	}

	env := envelope{
		Body:            base64.StdEncoding.EncodeToString(body),
		ContentType:     ct,
		ContentEncoding: ce,
		Headers: headers{
			Lang:        "go",
			Task:        m.Task,
			ID:          m.ID,
			RootID:      m.RootID,
			ParentID:    m.ParentID,
			Retries:     m.Retries,
			ETA:         formatTime(m.ETA),
			Expires:     formatTime(m.Expires),
			MaxRetries:  m.MaxRetries,
			ArgsRepr:    repr(m.Args),
			KwargsRepr:  repr(m.Kwargs),
			Origin:      m.Origin,
			Compression: m.Properties.Compression,
		},
		Properties: properties{
			CorrelationID: m.Properties.CorrelationID,
			ReplyTo:       m.Properties.ReplyTo,
			Priority:      m.Properties.Priority,
			BodyEncoding:  bodyEncodingBase64,
			DeliveryMode:  deliveryPersistent,
			DeliveryTag:   m.Properties.DeliveryTag,
			DeliveryInfo: deliveryInfo{
				Exchange:   m.Properties.Exchange,
				RoutingKey: m.Properties.RoutingKey,
			},
		},
	}
	if m.TimeLimit != nil {
		hard := m.TimeLimit.Seconds()
		env.Headers.TimeLimit[1] = &hard
	}

	raw, err := json.Marshal(&env)
	if err != nil {
		return nil, &SerializationError{ContentType: ct, Err: err}
	}
	return raw, nil
}

// EncodeBody serializes the [args, kwargs, embed] triple and applies compression.
func (c *Codec) EncodeBody(args []any, kwargs map[string]any, contentType, contentEncoding, compression string) ([]byte, error) {
	s, ok := c.serializer(contentType, defaultEncoding(contentType, contentEncoding))
	if !ok {
		return nil, &SerializationError{ContentType: contentType, Err: ErrUnsupportedContentType}
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	body, err := s.Marshal([]any{args, kwargs, embed{}})
	if err != nil {
		return nil, &SerializationError{ContentType: contentType, Err: err}
	}
	if compression == "" {
		return body, nil
	}
	z, ok := c.compressor(compression)
	if !ok {
		return nil, &SerializationError{ContentType: contentType, Err: ErrUnsupportedCompression}
	}
	out, err := z.Compress(body)
	if err != nil {
		return nil, &SerializationError{ContentType: contentType, Err: err}
	}
	return out, nil
}

// Decode parses a transport envelope into a Message. Any malformation is
// reported as *ProtocolError.
func (c *Codec) Decode(raw []byte) (*Message, error) {
	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, protoErr("malformed envelope", err)
	}
	if env.Headers.Task == "" {
		return nil, protoErr("missing task name", nil)
	}
	if env.Headers.ID == "" {
		return nil, protoErr("missing task id", nil)
	}
	if enc := env.Properties.BodyEncoding; enc != "" && enc != bodyEncodingBase64 {
		return nil, protoErr(fmt.Sprintf("unsupported body encoding %q", enc), nil)
	}
	body, err := base64.StdEncoding.DecodeString(env.Body)
	if err != nil {
		return nil, protoErr("body is not base64", err)
	}
	args, kwargs, err := c.DecodeBody(body, env.ContentType, env.ContentEncoding, env.Headers.Compression)
	if err != nil {
		return nil, err
	}

	m := &Message{
		ID:         env.Headers.ID,
		Task:       env.Headers.Task,
		Args:       args,
		Kwargs:     kwargs,
		Retries:    env.Headers.Retries,
		MaxRetries: env.Headers.MaxRetries,
		RootID:     env.Headers.RootID,
		ParentID:   env.Headers.ParentID,
		Origin:     env.Headers.Origin,
		Properties: Properties{
			ContentType:     env.ContentType,
			ContentEncoding: env.ContentEncoding,
			Compression:     env.Headers.Compression,
			CorrelationID:   env.Properties.CorrelationID,
			ReplyTo:         env.Properties.ReplyTo,
			Priority:        env.Properties.Priority,
			DeliveryTag:     env.Properties.DeliveryTag,
			Exchange:        env.Properties.DeliveryInfo.Exchange,
			RoutingKey:      env.Properties.DeliveryInfo.RoutingKey,
		},
	}
	if m.ETA, err = parseTime(env.Headers.ETA); err != nil {
		return nil, protoErr("invalid eta", err)
	}
	if m.Expires, err = parseTime(env.Headers.Expires); err != nil {
		return nil, protoErr("invalid expires", err)
	}
	if hard := env.Headers.TimeLimit[1]; hard != nil {
		if *hard < 0 || math.IsNaN(*hard) {
			return nil, protoErr("invalid timelimit", nil)
		}
		d := time.Duration(math.Round(*hard * float64(time.Second)))
		m.TimeLimit = &d
	}
	return m, nil
}

// DecodeBody reverses compression and deserializes the [args, kwargs, embed]
// triple using the serializer registered for contentType and contentEncoding.
func (c *Codec) DecodeBody(body []byte, contentType, contentEncoding, compression string) ([]any, map[string]any, error) {
	s, ok := c.serializer(contentType, contentEncoding)
	if !ok {
		return nil, nil, protoErr(fmt.Sprintf("%s (%s)", contentType, contentEncoding), ErrUnsupportedContentType)
	}
	if compression != "" {
		z, ok := c.compressor(compression)
		if !ok {
			return nil, nil, protoErr(compression, ErrUnsupportedCompression)
		}
		var err error
		if body, err = z.Decompress(body); err != nil {
			return nil, nil, protoErr("cannot decompress body", err)
		}
	}
	v, err := s.Unmarshal(body)
	if err != nil {
		return nil, nil, protoErr("cannot deserialize body", err)
	}
	triple, ok := v.([]any)
	if !ok || len(triple) < 2 {
		return nil, nil, protoErr("body is not an [args, kwargs, embed] sequence", nil)
	}

	args := []any{}
	switch a := triple[0].(type) {
	case nil:
	case []any:
		args = a
	default:
		return nil, nil, protoErr(fmt.Sprintf("args must be a sequence, got %T", a), nil)
	}
	kwargs, ok := toStringMap(triple[1])
	if !ok {
		return nil, nil, protoErr(fmt.Sprintf("kwargs must be a mapping, got %T", triple[1]), nil)
	}
	return args, kwargs, nil
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case nil:
		return map[string]any{}, true
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

// defaultEncoding fills in the encoding for a known content type when the
// caller left it empty.
func defaultEncoding(contentType, contentEncoding string) string {
	if contentEncoding != "" {
		return contentEncoding
	}
	if contentType == ContentTypeMsgpack {
		return EncodingBinary
	}
	return EncodingUTF8
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func repr(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > maxReprLen {
		s = s[:maxReprLen-3] + "..."
	}
	return s
}
