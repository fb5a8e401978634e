package protocol

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() *Message {
	eta := time.Date(2026, 3, 14, 15, 9, 26, 535897000, time.UTC)
	exp := eta.Add(time.Hour)
	maxRetries := 5
	limit := 1500 * time.Millisecond
	return &Message{
		ID:         "4b2f1c5e-7d0a-4c53-9c1b-1f2e3d4c5b6a",
		Task:       "tasks.add",
		Args:       []any{"x", 1.5, true, nil, []any{"a", 2.25}, int64(9007199254740993), int64(-2)},
		Kwargs:     map[string]any{"k": "v", "nested": map[string]any{"n": 0.5, "count": int64(math.MaxInt64)}},
		Retries:    3,
		ETA:        &eta,
		Expires:    &exp,
		MaxRetries: &maxRetries,
		TimeLimit:  &limit,
		RootID:     "root",
		ParentID:   "parent",
		Origin:     "host-1",
		Properties: Properties{
			ContentType:     ContentTypeJSON,
			ContentEncoding: EncodingUTF8,
			CorrelationID:   "corr",
			ReplyTo:         "reply",
			Priority:        7,
			DeliveryTag:     "tag-1",
			Exchange:        "",
			RoutingKey:      "celery",
		},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c := NewCodec()
	cases := []struct {
		name        string
		contentType string
		encoding    string
		compression string
	}{
		{"json", ContentTypeJSON, EncodingUTF8, ""},
		{"msgpack", ContentTypeMsgpack, EncodingBinary, ""},
		{"yaml", ContentTypeYAML, EncodingUTF8, ""},
		{"json+zlib", ContentTypeJSON, EncodingUTF8, CompressionGzip},
		{"msgpack+zstd", ContentTypeMsgpack, EncodingBinary, CompressionZstd},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := sampleMessage()
			in.Properties.ContentType = tc.contentType
			in.Properties.ContentEncoding = tc.encoding
			in.Properties.Compression = tc.compression

			raw, err := c.Encode(in)
			require.NoError(t, err)
			out, err := c.Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestCodec_IntegerShapes(t *testing.T) {
	c := NewCodec()
	for _, ct := range []string{ContentTypeJSON, ContentTypeMsgpack, ContentTypeYAML} {
		t.Run(ct, func(t *testing.T) {
			in := NewMessage("tasks.add", []any{2, int32(3), int64(math.MinInt64)}, nil)
			in.Properties.ContentType = ct
			in.Properties.ContentEncoding = ""

			raw, err := c.Encode(in)
			require.NoError(t, err)
			out, err := c.Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, []any{int64(2), int64(3), int64(math.MinInt64)}, out.Args)
		})
	}
}

func TestCodec_InvalidUTF8(t *testing.T) {
	c := NewCodec()
	for _, in := range []*Message{
		NewMessage("tasks.echo", []any{"a\xffb"}, nil),
		NewMessage("tasks.echo", nil, map[string]any{"s": []any{"ok", "a\xffb"}}),
		NewMessage("tasks.echo", nil, map[string]any{"\xfe": 1}),
	} {
		_, err := c.Encode(in)
		var se *SerializationError
		require.ErrorAs(t, err, &se)
		assert.ErrorIs(t, err, ErrInvalidUTF8)
	}

	in := NewMessage("tasks.echo", []any{"a\xffb"}, nil)
	in.Properties.ContentType = ContentTypeMsgpack
	in.Properties.ContentEncoding = EncodingBinary
	raw, err := c.Encode(in)
	require.NoError(t, err)
	out, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []any{"a\xffb"}, out.Args)
}

func TestCodec_RoundTripMinimal(t *testing.T) {
	c := NewCodec()
	in := NewMessage("tasks.noop", nil, nil)

	raw, err := c.Encode(in)
	require.NoError(t, err)
	out, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Nil(t, out.ETA)
	assert.Nil(t, out.TimeLimit)
	assert.Equal(t, []any{}, out.Args)
	assert.Equal(t, map[string]any{}, out.Kwargs)
}

func TestCodec_EnvelopeShape(t *testing.T) {
	raw, err := NewCodec().Encode(sampleMessage())
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, sonic.Unmarshal(raw, &env))
	assert.Equal(t, ContentTypeJSON, env["content-type"])
	assert.Equal(t, EncodingUTF8, env["content-encoding"])

	h := env["headers"].(map[string]any)
	assert.Equal(t, "tasks.add", h["task"])
	assert.Equal(t, float64(3), h["retries"])
	assert.Equal(t, "2026-03-14T15:09:26.535897Z", h["eta"])
	assert.Equal(t, []any{nil, 1.5}, h["timelimit"])

	p := env["properties"].(map[string]any)
	assert.Equal(t, "base64", p["body_encoding"])
	assert.Equal(t, float64(7), p["priority"])

	body, err := base64.StdEncoding.DecodeString(env["body"].(string))
	require.NoError(t, err)
	var triple []any
	require.NoError(t, sonic.Unmarshal(body, &triple))
	require.Len(t, triple, 3)
	assert.Equal(t, "x", triple[0].([]any)[0])
}

func TestCodec_DecodeUnsupportedContentType(t *testing.T) {
	c := NewCodec()
	raw, err := c.Encode(NewMessage("tasks.add", []any{1.5}, nil))
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, sonic.Unmarshal(raw, &env))
	env["content-type"] = "application/x-python-serialize"
	raw, err = sonic.Marshal(env)
	require.NoError(t, err)

	_, err = c.Decode(raw)
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.ErrorIs(t, err, ErrUnsupportedContentType)
}

func TestCodec_DecodeUnsupportedCompression(t *testing.T) {
	_, _, err := NewCodec().DecodeBody([]byte("x"), ContentTypeJSON, EncodingUTF8, "application/x-bz2")
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
	assert.True(t, IsProtocolError(err))
}

func TestCodec_DecodeEncodingMismatch(t *testing.T) {
	// msgpack is only registered with the binary encoding
	_, _, err := NewCodec().DecodeBody([]byte{0x90}, ContentTypeMsgpack, EncodingUTF8, "")
	assert.ErrorIs(t, err, ErrUnsupportedContentType)
}

func TestCodec_DecodeMalformed(t *testing.T) {
	c := NewCodec()
	cases := map[string][]byte{
		"not json":      []byte("{"),
		"no task":       []byte(`{"headers":{"id":"1"},"body":"","content-type":"application/json","content-encoding":"utf-8"}`),
		"no id":         []byte(`{"headers":{"task":"t"},"body":"","content-type":"application/json","content-encoding":"utf-8"}`),
		"bad base64":    []byte(`{"headers":{"task":"t","id":"1"},"body":"!!","content-type":"application/json","content-encoding":"utf-8"}`),
		"body not list": []byte(`{"headers":{"task":"t","id":"1"},"body":"` + base64.StdEncoding.EncodeToString([]byte(`{"a":1}`)) + `","content-type":"application/json","content-encoding":"utf-8"}`),
		"bad eta":       []byte(`{"headers":{"task":"t","id":"1","eta":"tomorrow"},"body":"` + base64.StdEncoding.EncodeToString([]byte(`[[],{},{}]`)) + `","content-type":"application/json","content-encoding":"utf-8"}`),
		"args not list": []byte(`{"headers":{"task":"t","id":"1"},"body":"` + base64.StdEncoding.EncodeToString([]byte(`["a",{},{}]`)) + `","content-type":"application/json","content-encoding":"utf-8"}`),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(raw)
			require.Error(t, err)
			assert.True(t, IsProtocolError(err), "got %v", err)
		})
	}
}

func TestCodec_EncodeSerializationError(t *testing.T) {
	c := NewCodec()
	m := NewMessage("tasks.add", []any{math.Inf(1)}, nil)
	_, err := c.Encode(m)
	var se *SerializationError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, ContentTypeJSON, se.ContentType)

	m = NewMessage("tasks.add", []any{make(chan int)}, nil)
	_, err = c.Encode(m)
	require.True(t, errors.As(err, &se), "got %v", err)
}

func TestCodec_EncodeUnknownContentType(t *testing.T) {
	m := NewMessage("tasks.add", nil, nil)
	m.Properties.ContentType = "text/plain"
	_, err := NewCodec().Encode(m)
	assert.ErrorIs(t, err, ErrUnsupportedContentType)

	var se *SerializationError
	assert.True(t, errors.As(err, &se))
}

func TestCodec_EncodeUnknownCompression(t *testing.T) {
	m := NewMessage("tasks.add", nil, nil)
	m.Properties.Compression = "lz4"
	_, err := NewCodec().Encode(m)
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
}

func TestCodec_DecodeMsgpackIntegers(t *testing.T) {
	c := NewCodec()
	m := NewMessage("tasks.add", []any{2, 3}, nil)
	m.Properties.ContentType = ContentTypeMsgpack
	m.Properties.ContentEncoding = EncodingBinary

	raw, err := c.Encode(m)
	require.NoError(t, err)
	out, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), int64(3)}, out.Args)
}

type upperSerializer struct{ JSONSerializer }

func (upperSerializer) ContentType() string { return "application/x-upper" }

func TestCodec_RegisterCustomSerializer(t *testing.T) {
	c := NewCodec()
	c.Register(upperSerializer{})

	m := NewMessage("tasks.add", []any{"a"}, nil)
	m.Properties.ContentType = "application/x-upper"
	m.Properties.ContentEncoding = EncodingUTF8
	raw, err := c.Encode(m)
	require.NoError(t, err)

	out, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "application/x-upper", out.Properties.ContentType)

	_, err = NewCodec().Decode(raw)
	assert.ErrorIs(t, err, ErrUnsupportedContentType)
}

func TestPeek(t *testing.T) {
	raw, err := NewCodec().Encode(sampleMessage())
	require.NoError(t, err)

	s, err := Peek(raw)
	require.NoError(t, err)
	assert.Equal(t, Summary{
		ID:          "4b2f1c5e-7d0a-4c53-9c1b-1f2e3d4c5b6a",
		Task:        "tasks.add",
		Retries:     3,
		Priority:    7,
		DeliveryTag: "tag-1",
		RoutingKey:  "celery",
	}, s)

	_, err = Peek([]byte("[1,2]"))
	assert.True(t, IsProtocolError(err))
	_, err = Peek([]byte("nope"))
	assert.True(t, IsProtocolError(err))
}

func TestMessage_CloneAndExpired(t *testing.T) {
	m := sampleMessage()
	c := m.Clone()
	*c.ETA = c.ETA.Add(time.Minute)
	*c.MaxRetries = 9
	assert.NotEqual(t, *m.ETA, *c.ETA)
	assert.Equal(t, 5, *m.MaxRetries)

	assert.False(t, m.Expired(m.Expires.Add(-time.Second)))
	assert.True(t, m.Expired(m.Expires.Add(time.Second)))
	assert.False(t, NewMessage("t", nil, nil).Expired(time.Now()))
}

func TestNewMessage_Defaults(t *testing.T) {
	m := NewMessage("tasks.add", nil, nil)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, m.ID, m.RootID)
	assert.Equal(t, m.ID, m.Properties.CorrelationID)
	assert.Equal(t, ContentTypeJSON, m.Properties.ContentType)
	assert.NotEqual(t, m.ID, NewMessage("tasks.add", nil, nil).ID)
}
