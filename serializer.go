package tiercache

import (
	"encoding/json"
	"fmt"
)

// Serializer converts values to and from the bytes a Backend stores. Cache
// runs every value-bearing operation through its serializer, so swapping the
// wire format never touches backend code.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, dest any) error
}

// RawSerializer passes bytes through untouched. Values must be []byte or
// string on the way in, and *[]byte or *string on the way out.
type RawSerializer struct{}

func (RawSerializer) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("tiercache: raw serializer cannot encode %T", v)
	}
}

func (RawSerializer) Unmarshal(data []byte, dest any) error {
	switch t := dest.(type) {
	case *[]byte:
		*t = data
		return nil
	case *string:
		*t = string(data)
		return nil
	default:
		return fmt.Errorf("tiercache: raw serializer cannot decode into %T", dest)
	}
}

// StringSerializer stores the fmt.Sprint rendering of a value. Decoding only
// targets *string.
type StringSerializer struct{}

func (StringSerializer) Marshal(v any) ([]byte, error) {
	return []byte(fmt.Sprint(v)), nil
}

func (StringSerializer) Unmarshal(data []byte, dest any) error {
	s, ok := dest.(*string)
	if !ok {
		return fmt.Errorf("tiercache: string serializer cannot decode into %T", dest)
	}
	*s = string(data)
	return nil
}

// JSONSerializer stores values as JSON. It is the Cache default.
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONSerializer) Unmarshal(data []byte, dest any) error { return json.Unmarshal(data, dest) }
