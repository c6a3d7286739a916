package message

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	skerrors "github.com/mirkobrombin/go-skmutex/v1/errors"
)

// Codec encodes and decodes envelopes.
type Codec interface {
	Marshal(e Envelope) ([]byte, error)
	Unmarshal(data []byte) (Envelope, error)
}

// JSONCodec implements Codec using encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(e Envelope) ([]byte, error) { return json.Marshal(e) }

func (JSONCodec) Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", skerrors.ErrMalformedMessage, err)
	}
	return e, nil
}

// GobCodec implements Codec using encoding/gob.
type GobCodec struct{}

func (GobCodec) Marshal(e Envelope) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(e); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", skerrors.ErrMalformedMessage, err)
	}
	return e, nil
}
