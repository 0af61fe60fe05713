/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"fmt"
)

// Exit codes, following sysexits.h where one fits.
const (
	ExitCodeStartupError = 64 + 14 // EX_CONFIG
)

// ErrorWithExitCode is an error which carries the process exit code.
type ErrorWithExitCode struct {
	Err  error
	Code int
}

func (e *ErrorWithExitCode) Error() string {
	return e.Err.Error()
}

func (e *ErrorWithExitCode) Unwrap() error {
	return e.Err
}

// StartupError wraps err as configuration failure.
func StartupError(err error) error {
	return &ErrorWithExitCode{
		Err:  fmt.Errorf("startup failed: %w", err),
		Code: ExitCodeStartupError,
	}
}
