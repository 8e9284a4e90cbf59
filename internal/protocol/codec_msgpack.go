package protocol

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec encodes messages as MessagePack binary frames. Params and
// payloads stay JSON documents inside the envelope.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(msg Message) ([]byte, error) {
	f, err := toFrame(msg)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(f)
}

func (MsgpackCodec) Decode(data []byte) (Message, error) {
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Cause: err}
	}
	return fromFrame(&f)
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }

func (MsgpackCodec) Binary() bool { return true }
