// Package wire is the framing shared by the capture client and the ingest server.
//
// After the token handshake the server answers with a 16-byte session id. The client then
// sends a stream of 4-byte big-endian words: 0xFFFFFFFF starts a session, 0x00000000 ends it,
// and any other value is the length of a payload that follows. The first payload byte is
// its kind. When a session ends the server replies with a length-prefixed JSON report.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	MarkerStart uint32 = 0xFFFFFFFF
	MarkerEnd   uint32 = 0x00000000

	// KindAudio payloads carry little-endian int16 mono PCM.
	KindAudio byte = 'A'
	// KindLandmarks payloads carry one JSON landmark line.
	KindLandmarks byte = 'L'

	MaxPayload = 4 << 20
)

var (
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrEmptyPayload    = errors.New("wire: empty payload")
)

type MessageType int

const (
	MessageStart MessageType = iota
	MessageEnd
	MessagePayload
)

type Message struct {
	Type MessageType
	Kind byte
	Body []byte
}

func WriteStart(w io.Writer) error {
	return writeWord(w, MarkerStart)
}

func WriteEnd(w io.Writer) error {
	return writeWord(w, MarkerEnd)
}

func writeWord(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WritePayload sends length, kind and body in a single write.
func WritePayload(w io.Writer, kind byte, body []byte) error {
	n := len(body) + 1
	if n > MaxPayload {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, 4, 4+n)
	binary.BigEndian.PutUint32(buf, uint32(n))
	buf = append(buf, kind)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads the next message. Body aliases buf when it is large enough, so it is
// only valid until the next call that reuses buf.
func ReadMessage(r io.Reader, buf []byte) (Message, []byte, error) {
	var word [4]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		return Message{}, buf, err
	}

	switch n := binary.BigEndian.Uint32(word[:]); n {
	case MarkerStart:
		return Message{Type: MessageStart}, buf, nil
	case MarkerEnd:
		return Message{Type: MessageEnd}, buf, nil
	default:
		if n > MaxPayload {
			return Message{}, buf, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
		}
		if cap(buf) < int(n) {
			buf = make([]byte, n)
		}
		buf = buf[:n]
		if _, err := io.ReadFull(r, buf); err != nil {
			return Message{}, buf, fmt.Errorf("failed to read payload: %w", err)
		}
		return Message{Type: MessagePayload, Kind: buf[0], Body: buf[1:]}, buf, nil
	}
}

// WriteReport sends a length-prefixed report body.
func WriteReport(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return ErrEmptyPayload
	}
	if len(body) > MaxPayload {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	_, err := w.Write(append(buf, body...))
	return err
}

func ReadReport(r io.Reader) ([]byte, error) {
	var word [4]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(word[:])
	if n == 0 {
		return nil, ErrEmptyPayload
	}
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return body, nil
}

// CheckToken reads len(token) bytes and reports whether they match.
func CheckToken(r io.Reader, token string) (bool, error) {
	buf := make([]byte, len(token))
	if _, err := io.ReadFull(r, buf); err != nil {
		return false, err
	}
	return string(buf) == token, nil
}

func WriteSessionID(w io.Writer, id uuid.UUID) error {
	_, err := w.Write(id[:])
	return err
}

func ReadSessionID(r io.Reader) (uuid.UUID, error) {
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(idBytes)
}
