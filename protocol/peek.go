package protocol

import (
	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"
)

// Summary is the routing-relevant subset of an envelope.
type Summary struct {
	ID          string
	Task        string
	Retries     int
	Priority    int
	DeliveryTag string
	RoutingKey  string
}

// Peek extracts the header and property fields a broker needs without
// decoding the body. Missing fields are left at their zero value; only a
// document that is not a JSON object at all yields a *ProtocolError.
func Peek(raw []byte) (Summary, error) {
	root, err := sonic.Get(raw)
	if err != nil {
		return Summary{}, protoErr("malformed envelope", err)
	}
	if root.Type() != ast.V_OBJECT {
		return Summary{}, protoErr("envelope is not an object", nil)
	}

	var s Summary
	s.ID = peekString(raw, "headers", "id")
	s.Task = peekString(raw, "headers", "task")
	s.Retries = int(peekInt(raw, "headers", "retries"))
	s.Priority = int(peekInt(raw, "properties", "priority"))
	s.DeliveryTag = peekString(raw, "properties", "delivery_tag")
	s.RoutingKey = peekString(raw, "properties", "delivery_info", "routing_key")
	return s, nil
}

func peekString(raw []byte, path ...any) string {
	node, err := sonic.Get(raw, path...)
	if err != nil {
		return ""
	}
	v, err := node.String()
	if err != nil {
		return ""
	}
	return v
}

func peekInt(raw []byte, path ...any) int64 {
	node, err := sonic.Get(raw, path...)
	if err != nil {
		return 0
	}
	v, err := node.Int64()
	if err != nil {
		return 0
	}
	return v
}
