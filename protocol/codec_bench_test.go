package protocol

import (
	"strings"
	"testing"
)

func makeBenchMessage(payloadSize int) *Message {
	tags := make([]any, 16)
	for i := range tags {
		tags[i] = "tag-" + string(rune('a'+(i%26)))
	}
	m := NewMessage("email.send", []any{"user@example.com", strings.Repeat("x", payloadSize)}, map[string]any{
		"tags":     tags,
		"priority": 3,
		"html":     true,
	})
	return m
}

func BenchmarkCodec_Encode(b *testing.B) {
	c := NewCodec()
	for _, ct := range []string{ContentTypeJSON, ContentTypeMsgpack, ContentTypeYAML} {
		for _, sz := range []int{64, 512, 2048} {
			b.Run(ct[strings.LastIndex(ct, "/")+1:]+"/"+byteSizeName(sz), func(b *testing.B) {
				m := makeBenchMessage(sz)
				m.Properties.ContentType = ct
				m.Properties.ContentEncoding = ""
				warm, err := c.Encode(m)
				if err != nil {
					b.Fatal(err)
				}
				b.ReportAllocs()
				b.SetBytes(int64(len(warm)))
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if _, err := c.Encode(m); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkCodec_Decode(b *testing.B) {
	c := NewCodec()
	for _, comp := range []string{"", CompressionGzip, CompressionZstd} {
		for _, sz := range []int{64, 512, 2048} {
			name := comp
			if name == "" {
				name = "plain"
			}
			b.Run(name[strings.LastIndex(name, "/")+1:]+"/"+byteSizeName(sz), func(b *testing.B) {
				m := makeBenchMessage(sz)
				m.Properties.Compression = comp
				data, err := c.Encode(m)
				if err != nil {
					b.Fatal(err)
				}
				b.ReportAllocs()
				b.SetBytes(int64(len(data)))
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if _, err := c.Decode(data); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkPeek(b *testing.B) {
	data, err := NewCodec().Encode(makeBenchMessage(2048))
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Peek(data); err != nil {
			b.Fatal(err)
		}
	}
}

func byteSizeName(n int) string {
	switch {
	case n < 1024:
		return "" + itoa(n) + "B"
	case n < 1024*1024:
		return itoa(n/1024) + "KB"
	default:
		return itoa(n/(1024*1024)) + "MB"
	}
}

// lightweight int->string without fmt to reduce noise in bench labels
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + (n % 10))
		n /= 10
	}
	return string(buf[i:])
}
