package ioengine

import (
	"errors"
	"syscall"

	mb "github.com/goburrow/modbus"
)

// classified is the recovery class spec.md §4.3's retry policy dispatches on.
type classified int

const (
	classOther classified = iota
	classBadFD
	classSocketInvalid
	classTimeout
	classInProgress
	classBadDataAddress
	classIllegalDataValue
	classPleaseFlush
)

// ErrFlushRequired is returned (or wrapped) by transports that need an
// explicit modbus_flush-equivalent before the next attempt can succeed. It
// mirrors the teacher protocol's custom 112345691 "please flush" errno.
var ErrFlushRequired = errors.New("ioengine: flush required before retry")

// classify maps a wire error onto spec.md §4.3's errno-driven retry table:
// bad file descriptor (9), socket no longer valid (88), timeout (110),
// operation in progress (115), plus the Modbus exception codes for bad
// address/value and the custom flush-required family.
func classify(err error) classified {
	if err == nil {
		return classOther
	}
	if errors.Is(err, ErrFlushRequired) {
		return classPleaseFlush
	}
	var exc *mb.ModbusError
	if errors.As(err, &exc) {
		switch exc.ExceptionCode {
		case mb.ExceptionCodeIllegalDataAddress:
			return classBadDataAddress
		case mb.ExceptionCodeIllegalDataValue:
			return classIllegalDataValue
		}
		return classOther
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch int(errno) {
		case 9:
			return classBadFD
		case 88:
			return classSocketInvalid
		case 110:
			return classTimeout
		case 115:
			return classInProgress
		}
	}
	return classOther
}
