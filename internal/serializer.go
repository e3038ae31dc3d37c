package internal

import (
	"encoding/json"
	"errors"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Marshal encodes a payload into a message body. Queue bodies are text,
// so protobuf messages use their canonical JSON form.
func Marshal(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v.MarshalJSON()
	case string:
		return []byte(v), nil
	case proto.Message:
		return protojson.Marshal(v)
	default:
		return json.Marshal(payload)
	}
}

// Unmarshal decodes data into holder, which must be a non-nil pointer.
func Unmarshal(data []byte, holder any) error {
	if holder == nil {
		return errors.New("holder is nil")
	}

	rv := reflect.ValueOf(holder)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("holder must be a non-nil pointer")
	}

	switch v := holder.(type) {
	case *[]byte:
		*v = append((*v)[:0], data...)
		if len(data) == 0 {
			*v = nil
		}
		return nil
	case *json.RawMessage:
		*v = append((*v)[:0], data...)
		return nil
	case *string:
		*v = string(data)
		return nil
	case proto.Message:
		return protojson.Unmarshal(data, v)
	default:
		return json.Unmarshal(data, holder)
	}
}
