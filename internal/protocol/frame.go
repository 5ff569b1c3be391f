package protocol

import (
	"encoding/binary"
	"math"

	"codeberg.org/mutker/ipmimon/internal/errors"
	jujuerrors "github.com/juju/errors"
)

const (
	// Version is the leading byte of every frame (RMCP version 1.0).
	Version byte = 0x06

	headerSize  = 1 /*version*/ + 4 /*session*/ + 4 /*sequence*/ + 1 /*command*/ + 1 /*status*/ + 2 /*length*/
	trailerSize = 1 /*checksum*/
	// FrameOverhead is the number of bytes a frame adds around its payload.
	FrameOverhead = headerSize + trailerSize
	// MaxFrameSize bounds a single datagram.
	MaxFrameSize = 1024
	// MaxPayload is the largest payload that fits in MaxFrameSize.
	MaxPayload = MaxFrameSize - FrameOverhead
)

// Frame is one request or response on the wire.
// Requests carry StatusSuccess; responses echo SessionID and Sequence.
type Frame struct {
	SessionID uint32
	Sequence  uint32
	Command   CommandCode
	Status    Status
	Payload   []byte
}

// Encode serializes f with a trailing checksum.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload || len(f.Payload) > math.MaxUint16 {
		return nil, errors.New().WithData(errors.ErrInvalidArgument, jujuerrors.Errorf("payload length=%d > max=%d", len(f.Payload), MaxPayload))
	}

	b := make([]byte, headerSize+len(f.Payload)+trailerSize)
	b[0] = Version
	binary.BigEndian.PutUint32(b[1:], f.SessionID)
	binary.BigEndian.PutUint32(b[5:], f.Sequence)
	b[9] = byte(f.Command)
	b[10] = byte(f.Status)
	binary.BigEndian.PutUint16(b[11:], uint16(len(f.Payload)))
	copy(b[headerSize:], f.Payload)
	b[len(b)-1] = Checksum(b[:len(b)-1])

	return b, nil
}

// Decode parses a frame, verifying length and checksum.
// The returned payload does not alias b.
func Decode(b []byte) (Frame, error) {
	errFactory := errors.New()

	if len(b) < FrameOverhead {
		return Frame{}, errFactory.Wrap(errors.ErrCorruptResponse, jujuerrors.NotValidf("frame=%x length=%d < min=%d", b, len(b), FrameOverhead))
	}
	if len(b) > MaxFrameSize {
		return Frame{}, errFactory.Wrap(errors.ErrCorruptResponse, jujuerrors.NotValidf("frame length=%d > max=%d", len(b), MaxFrameSize))
	}
	if b[0] != Version {
		return Frame{}, errFactory.Wrap(errors.ErrCorruptResponse, jujuerrors.NotValidf("frame=%x version=%02x", b, b[0]))
	}

	length := int(binary.BigEndian.Uint16(b[11:]))
	if headerSize+length+trailerSize != len(b) {
		return Frame{}, errFactory.Wrap(errors.ErrCorruptResponse, jujuerrors.NotValidf("frame=%x claims payload=%d input=%d", b, length, len(b)))
	}

	crcIn := b[len(b)-1]
	crcLocal := Checksum(b[:len(b)-1])
	if crcIn != crcLocal {
		return Frame{}, errFactory.Wrap(errors.ErrCorruptResponse, jujuerrors.NotValidf("frame=%x checksum=%02x actual=%02x", b, crcIn, crcLocal))
	}

	f := Frame{
		SessionID: binary.BigEndian.Uint32(b[1:]),
		Sequence:  binary.BigEndian.Uint32(b[5:]),
		Command:   CommandCode(b[9]),
		Status:    Status(b[10]),
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		copy(f.Payload, b[headerSize:headerSize+length])
	}

	return f, nil
}

// Checksum is the IPMI two's complement checksum: the byte that makes
// the sum of b plus the checksum zero modulo 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, x := range b {
		sum += x
	}

	return -sum
}

// Reply builds the response frame for request req.
func Reply(req Frame, status Status, payload []byte) Frame {
	return Frame{
		SessionID: req.SessionID,
		Sequence:  req.Sequence,
		Command:   req.Command,
		Status:    status,
		Payload:   payload,
	}
}
