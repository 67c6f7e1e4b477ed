package tiercache

import "github.com/vmihailenco/msgpack/v5"

// MsgpackSerializer stores values as MessagePack.
type MsgpackSerializer struct{}

func (MsgpackSerializer) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgpackSerializer) Unmarshal(data []byte, dest any) error {
	return msgpack.Unmarshal(data, dest)
}
