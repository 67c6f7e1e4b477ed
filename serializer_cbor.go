package tiercache

import "github.com/fxamacker/cbor/v2"

// CBORSerializer stores values as CBOR.
type CBORSerializer struct{}

func (CBORSerializer) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (CBORSerializer) Unmarshal(data []byte, dest any) error {
	return cbor.Unmarshal(data, dest)
}
