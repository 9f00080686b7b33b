package dht

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/jackpal/bencode-go"
)

// KRPC message types
const (
	typeQuery    = "q"
	typeResponse = "r"
	typeError    = "e"
)

const (
	methodPing     = "ping"
	methodFindNode = "find_node"
	methodGetPeers = "get_peers"
)

var errNotKRPC = errors.New("not a krpc message")

// krpc is a decoded KRPC message. Only the fields of the type Y are set.
type krpc struct {
	T string
	Y string
	Q string
	A map[string]interface{}
	R map[string]interface{}
	E []interface{}
}

func (m *krpc) encode() ([]byte, error) {
	d := map[string]interface{}{"t": m.T, "y": m.Y}
	switch m.Y {
	case typeQuery:
		d["q"] = m.Q
		d["a"] = m.A
	case typeResponse:
		d["r"] = m.R
	case typeError:
		d["e"] = m.E
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeKRPC(b []byte) (*krpc, error) {
	v, err := bencode.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	d, ok := v.(map[string]interface{})
	if !ok {
		return nil, errNotKRPC
	}
	m := &krpc{}
	m.T, _ = d["t"].(string)
	m.Y, _ = d["y"].(string)
	if m.T == "" {
		return nil, errNotKRPC
	}
	switch m.Y {
	case typeQuery:
		m.Q, _ = d["q"].(string)
		m.A, _ = d["a"].(map[string]interface{})
		if m.A == nil {
			return nil, fmt.Errorf("query %q without arguments", m.Q)
		}
	case typeResponse:
		m.R, _ = d["r"].(map[string]interface{})
		if m.R == nil {
			return nil, fmt.Errorf("response without body")
		}
	case typeError:
		m.E, _ = d["e"].([]interface{})
	default:
		return nil, errNotKRPC
	}
	return m, nil
}

// id returns the sender id carried in the arguments or the response.
func (m *krpc) id() (NodeID, bool) {
	var body map[string]interface{}
	switch m.Y {
	case typeQuery:
		body = m.A
	case typeResponse:
		body = m.R
	}
	s, ok := body["id"].(string)
	if !ok || len(s) != len(NodeID{}) {
		return NodeID{}, false
	}
	var id NodeID
	copy(id[:], s)
	return id, true
}

// krpcError is an error reply.
type krpcError struct {
	Code    int64
	Message string
}

func (e *krpcError) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

func (m *krpc) err() error {
	e := &krpcError{Code: 201, Message: "generic error"}
	if len(m.E) > 0 {
		if code, ok := m.E[0].(int64); ok {
			e.Code = code
		}
	}
	if len(m.E) > 1 {
		if msg, ok := m.E[1].(string); ok {
			e.Message = msg
		}
	}
	return e
}
