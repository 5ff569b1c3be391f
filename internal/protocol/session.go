package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"codeberg.org/mutker/ipmimon/internal/errors"
	jujuerrors "github.com/juju/errors"
)

// AuthCapabilities is a decoded GetAuthCapabilities response.
type AuthCapabilities struct {
	Channel   byte
	AuthTypes byte
}

// Supports reports whether the controller accepts HMAC-SHA256 activation.
func (c AuthCapabilities) Supports() bool {
	return c.AuthTypes&AuthTypeMaskHMACSHA256 != 0
}

// DecodeAuthCapabilities parses a GetAuthCapabilities response payload.
func DecodeAuthCapabilities(payload []byte) (AuthCapabilities, error) {
	if len(payload) != 2 {
		return AuthCapabilities{}, errors.New().Wrap(errors.ErrCorruptResponse,
			jujuerrors.NotValidf("auth capabilities payload=%x length=%d want=2", payload, len(payload)))
	}

	return AuthCapabilities{Channel: payload[0], AuthTypes: payload[1]}, nil
}

// Challenge is a decoded GetSessionChallenge response.
type Challenge struct {
	TemporaryID uint32
	Data        [ChallengeSize]byte
}

// EncodeChallenge builds a GetSessionChallenge response payload.
func EncodeChallenge(c Challenge) []byte {
	b := make([]byte, 4+ChallengeSize)
	binary.BigEndian.PutUint32(b, c.TemporaryID)
	copy(b[4:], c.Data[:])

	return b
}

// DecodeChallenge parses a GetSessionChallenge response payload.
func DecodeChallenge(payload []byte) (Challenge, error) {
	if len(payload) != 4+ChallengeSize {
		return Challenge{}, errors.New().Wrap(errors.ErrCorruptResponse,
			jujuerrors.NotValidf("challenge payload=%x length=%d want=%d", payload, len(payload), 4+ChallengeSize))
	}

	c := Challenge{TemporaryID: binary.BigEndian.Uint32(payload)}
	copy(c.Data[:], payload[4:])

	return c, nil
}

// Activation is a decoded ActivateSession response.
type Activation struct {
	SessionID       uint32
	InitialSequence uint32
}

// EncodeActivation builds an ActivateSession response payload.
func EncodeActivation(a Activation) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, a.SessionID)
	binary.BigEndian.PutUint32(b[4:], a.InitialSequence)

	return b
}

// DecodeActivation parses an ActivateSession response payload.
func DecodeActivation(payload []byte) (Activation, error) {
	if len(payload) != 8 {
		return Activation{}, errors.New().Wrap(errors.ErrCorruptResponse,
			jujuerrors.NotValidf("activation payload=%x length=%d want=8", payload, len(payload)))
	}

	return Activation{
		SessionID:       binary.BigEndian.Uint32(payload),
		InitialSequence: binary.BigEndian.Uint32(payload[4:]),
	}, nil
}

// AuthCode is the first AuthCodeSize bytes of
// HMAC-SHA256(password, challenge | padded username | temporary id).
func AuthCode(password, username string, c Challenge) [AuthCodeSize]byte {
	h := hmac.New(sha256.New, []byte(password))
	h.Write(c.Data[:])
	h.Write(PadUsername(username))
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], c.TemporaryID)
	h.Write(id[:])

	var code [AuthCodeSize]byte
	copy(code[:], h.Sum(nil))

	return code
}

// ActivationAuthCode extracts the auth code from an ActivateSession request payload.
func ActivationAuthCode(payload []byte) ([AuthCodeSize]byte, error) {
	var code [AuthCodeSize]byte
	if len(payload) != 2+AuthCodeSize {
		return code, errors.New().Wrap(errors.ErrCorruptResponse,
			jujuerrors.NotValidf("activate payload=%x length=%d want=%d", payload, len(payload), 2+AuthCodeSize))
	}
	copy(code[:], payload[2:])

	return code, nil
}

// ChallengeUsername extracts the username from a GetSessionChallenge request payload.
func ChallengeUsername(payload []byte) (string, error) {
	if len(payload) != 1+UsernameSize {
		return "", errors.New().Wrap(errors.ErrCorruptResponse,
			jujuerrors.NotValidf("challenge request payload=%x length=%d want=%d", payload, len(payload), 1+UsernameSize))
	}

	return string(bytes.TrimRight(payload[1:], "\x00")), nil
}
