/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package milter

import (
	"errors"
	"fmt"
)

var (
	ErrFraming          = errors.New("milter: framing error")
	ErrUnsupportedStage = errors.New("milter: unsupported stage")
	ErrCapability       = errors.New("milter: capability not negotiated")
	ErrCallback         = errors.New("milter: callback failure")
	ErrNegotiation      = errors.New("milter: negotiation failed")
	ErrSessionClosed    = errors.New("milter: session closed")
)

// FramingError is returned for malformed or oversized frames. It is fatal to
// the connection.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "milter: framing error: " + e.Reason
}

func (e *FramingError) Unwrap() error {
	return ErrFraming
}

func framingErrorf(format string, args ...interface{}) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedStageError is returned when the MTA sends an opcode which has no
// handling in the current session state.
type UnsupportedStageError struct {
	Code byte
}

func (e *UnsupportedStageError) Error() string {
	return fmt.Sprintf("milter: unsupported stage %q", e.Code)
}

func (e *UnsupportedStageError) Unwrap() error {
	return ErrUnsupportedStage
}

// CapabilityError reports a modification which was attempted without the
// required negotiated capability. The modification was not sent.
type CapabilityError struct {
	Op     string
	Action ActionFlags
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("milter: %s requires action flag 0x%x", e.Op, uint32(e.Action))
}

func (e *CapabilityError) Unwrap() error {
	return ErrCapability
}

// CallbackError wraps an error returned by, or a panic raised in, a stage
// callback.
type CallbackError struct {
	Stage Stage
	Err   error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("milter: %s callback failed: %v", e.Stage, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

func (e *CallbackError) Is(target error) bool {
	return target == ErrCallback
}
