// Package transport carries the control channel: one persistent TCP
// connection per client, framed as a 4-byte big-endian body length followed
// by the body. The first frame from a client is its plaintext identity;
// every later frame in both directions is one JSON-encoded message record.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"chat-relay/domain"
	"chat-relay/errors"
)

// DefaultMaxFrame bounds one control frame; voice notes ride the control
// channel, so this is generous.
const DefaultMaxFrame = 10 << 20

// Codec reads and writes length-prefixed frames, symmetrically for both ends.
type Codec struct {
	maxFrame uint32
}

func NewCodec(maxFrame int) Codec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return Codec{maxFrame: uint32(maxFrame)}
}

func (c Codec) WriteFrame(w io.Writer, body []byte) error {
	if uint32(len(body)) > c.maxFrame {
		return errors.ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func (c Codec) ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > c.maxFrame {
		return nil, errors.ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c Codec) WriteMessage(w io.Writer, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return c.WriteFrame(w, body)
}

func (c Codec) ReadMessage(r io.Reader) (domain.Message, error) {
	body, err := c.ReadFrame(r)
	if err != nil {
		return domain.Message{}, err
	}
	var msg domain.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}
