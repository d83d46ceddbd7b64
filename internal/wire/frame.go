// Package wire implements the session engine's bidirectional wire protocol.
// A synchronous handshake is followed by one-way traffic in both directions
// over the same connection; a single framing layer carries both.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

type frameType uint8

const (
	frameTypeHeader frameType = 0x01
	frameTypeData   frameType = 0x02
	frameTypeRST    frameType = 0xff
)

type frame struct {
	Type          frameType
	NoMoreFrames  bool
	PayloadLength uint32
}

const (
	maxPayloadLength = 4 * 1024 * 1024
	maxHeaderLength  = 64 * 1024
)

var ErrReset = errors.New("wire: reset frame observed on connection")

// messageLayer reads and writes length-framed header/data pairs over rwc.
// It performs no buffering beyond what is needed to assemble one frame's
// payload, so it is safe to share a messageLayer between a logical server
// role and a logical client role driving the same socket, as long as calls
// are serialized by the caller (the session dispatcher is single-threaded).
type messageLayer struct {
	rwc io.ReadWriteCloser
}

func newMessageLayer(rwc io.ReadWriteCloser) *messageLayer {
	return &messageLayer{rwc: rwc}
}

func (l *messageLayer) readFrame() (frame, error) {
	var f frame
	if err := binary.Read(l.rwc, binary.LittleEndian, &f.Type); err != nil {
		return f, errors.WithStack(err)
	}
	if err := binary.Read(l.rwc, binary.LittleEndian, &f.NoMoreFrames); err != nil {
		return f, errors.WithStack(err)
	}
	if err := binary.Read(l.rwc, binary.LittleEndian, &f.PayloadLength); err != nil {
		return f, errors.WithStack(err)
	}
	if f.Type == frameTypeRST {
		return f, ErrReset
	}
	if f.PayloadLength > maxPayloadLength {
		return f, errors.New("wire: frame exceeds max payload length")
	}
	return f, nil
}

func (l *messageLayer) writeFrame(f frame) error {
	if f.PayloadLength > maxPayloadLength {
		return errors.New("wire: frame exceeds max payload length")
	}
	if err := binary.Write(l.rwc, binary.LittleEndian, &f.Type); err != nil {
		return errors.WithStack(err)
	}
	if err := binary.Write(l.rwc, binary.LittleEndian, &f.NoMoreFrames); err != nil {
		return errors.WithStack(err)
	}
	if err := binary.Write(l.rwc, binary.LittleEndian, &f.PayloadLength); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (l *messageLayer) writeJSON(ft frameType, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "wire: cannot encode frame body")
	}
	if len(body) > maxPayloadLength {
		return errors.New("wire: encoded body exceeds max payload length")
	}
	if err := l.writeFrame(frame{Type: ft, NoMoreFrames: true, PayloadLength: uint32(len(body))}); err != nil {
		return err
	}
	_, err = l.rwc.Write(body)
	return errors.WithStack(err)
}

func (l *messageLayer) readJSON(ft frameType, limit int, v interface{}) error {
	f, err := l.readFrame()
	if err != nil {
		return err
	}
	if f.Type != ft {
		return errors.Errorf("wire: expected frame of type %d, got %d", ft, f.Type)
	}
	if limit > 0 && int(f.PayloadLength) > limit {
		return errors.Errorf("wire: frame payload %d exceeds limit %d", f.PayloadLength, limit)
	}
	body := make([]byte, f.PayloadLength)
	if _, err := io.ReadFull(l.rwc, body); err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(json.Unmarshal(body, v), "wire: cannot decode frame body")
}

// hangUp sends a reset frame and closes the underlying connection. It
// always returns a non-nil error so callers remember to treat it as fatal.
func (l *messageLayer) hangUp() error {
	rstErr := l.writeFrame(frame{Type: frameTypeRST, NoMoreFrames: true})
	closeErr := l.rwc.Close()
	if rstErr != nil {
		return rstErr
	}
	if closeErr != nil {
		return closeErr
	}
	return ErrReset
}
