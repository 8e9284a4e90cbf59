package protocol

import "encoding/json"

// JSONCodec encodes messages as JSON text frames.
type JSONCodec struct{}

func (JSONCodec) Encode(msg Message) ([]byte, error) {
	f, err := toFrame(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Cause: err}
	}
	return fromFrame(&f)
}

func (JSONCodec) Name() string { return CodecNameJSON }

func (JSONCodec) Binary() bool { return false }
