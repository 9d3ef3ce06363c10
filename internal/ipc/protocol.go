// Package ipc is the local control channel between the treelandd CLI and a
// running daemon. Every message is a structpb.Struct framed by a 4-byte big
// endian length.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Request types.
const (
	TypeStatus           = "status"
	TypeSetEnabled       = "set_enabled"
	TypeSetPrimaryOutput = "set_primary_output"
)

// MaxMessageSize bounds a single frame.
const MaxMessageSize = 1 << 20

var (
	ErrMessageTooLarge = errors.New("ipc message too large")
	ErrUnknownType     = errors.New("unknown request type")
)

// Request is a decoded control request.
type Request struct {
	Type   string
	ID     string
	Fields map[string]any
}

// String returns a string payload field, or "".
func (r Request) String(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Bool returns a bool payload field and whether it was present.
func (r Request) Bool(key string) (bool, bool) {
	b, ok := r.Fields[key].(bool)
	return b, ok
}

// NewRequest builds a request envelope with a fresh id.
func NewRequest(typ string, payload map[string]any) (*structpb.Struct, error) {
	fields := map[string]any{"type": typ, "id": uuid.NewString()}
	for k, v := range payload {
		fields[k] = v
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", typ, err)
	}
	return msg, nil
}

// ParseRequest unpacks an envelope read off the wire.
func ParseRequest(msg *structpb.Struct) (Request, error) {
	fields := msg.AsMap()
	typ, _ := fields["type"].(string)
	if typ == "" {
		return Request{}, fmt.Errorf("request without type")
	}
	id, _ := fields["id"].(string)
	delete(fields, "type")
	delete(fields, "id")
	return Request{Type: typ, ID: id, Fields: fields}, nil
}

// NewReply builds the reply to request id. A non-nil err makes ok false.
func NewReply(id string, payload map[string]any, err error) (*structpb.Struct, error) {
	fields := map[string]any{"id": id, "ok": err == nil}
	if err != nil {
		fields["error"] = err.Error()
	}
	for k, v := range payload {
		fields[k] = v
	}
	msg, perr := structpb.NewStruct(fields)
	if perr != nil {
		return nil, fmt.Errorf("build reply: %w", perr)
	}
	return msg, nil
}

// ReplyError returns the error carried by a reply, if any.
func ReplyError(reply *structpb.Struct) error {
	if reply.GetFields()["ok"].GetBoolValue() {
		return nil
	}
	if msg := reply.GetFields()["error"].GetStringValue(); msg != "" {
		return errors.New(msg)
	}
	return errors.New("request failed")
}

// ToValue converts a JSON-tagged Go value into a payload field.
func ToValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromValue decodes a payload field into a JSON-tagged Go value.
func FromValue(v *structpb.Value, out any) error {
	if v == nil {
		return fmt.Errorf("missing payload")
	}
	data, err := protojson.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ReadMessage reads one framed message.
func ReadMessage(r io.Reader) (*structpb.Struct, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read message length: %w", err)
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read message data: %w", err)
	}
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

// WriteMessage writes one framed message.
func WriteMessage(w io.Writer, msg *structpb.Struct) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
