package protocol

import (
	"fmt"

	"codeberg.org/mutker/ipmimon/internal/errors"
)

// Status is the completion code carried by every response.
type Status uint8

const (
	StatusSuccess          Status = 0x00
	StatusInvalidSession   Status = 0x87
	StatusBusy             Status = 0xC0
	StatusUnsupported      Status = 0xC1
	StatusInvalidParameter Status = 0xCC
)

// Known reports whether s belongs to the closed status taxonomy.
func (s Status) Known() bool {
	switch s {
	case StatusSuccess, StatusInvalidSession, StatusBusy, StatusUnsupported, StatusInvalidParameter:
		return true
	}

	return false
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidSession:
		return "invalid_session"
	case StatusBusy:
		return "busy"
	case StatusUnsupported:
		return "unsupported"
	case StatusInvalidParameter:
		return "invalid_parameter"
	}

	return fmt.Sprintf("unknown(0x%02x)", uint8(s))
}

// StatusError is a non-success completion code returned by the controller.
type StatusError struct {
	Status  Status
	Command CommandCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command=%s status=%s", e.Command, e.Status)
}

// CheckStatus maps a response frame's status onto an error.
// Known non-success codes yield a *StatusError; unknown codes are wrapped
// as ErrUnknownProtocol with the raw code kept in the chain.
func CheckStatus(f Frame) error {
	if f.Status == StatusSuccess {
		return nil
	}

	serr := &StatusError{Status: f.Status, Command: f.Command}
	if !f.Status.Known() {
		return errors.New().Wrap(errors.ErrUnknownProtocol, serr)
	}

	return serr
}

// StatusOf extracts the controller status from err, if it carries one.
func StatusOf(err error) (Status, bool) {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Status, true
	}

	return 0, false
}
