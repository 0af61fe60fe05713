/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(true, "debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Level != logrus.DebugLevel {
		t.Errorf("got level %v", logger.Level)
	}
	if formatter, ok := logger.Formatter.(*logrus.TextFormatter); !ok || !formatter.DisableTimestamp {
		t.Errorf("unexpected formatter %#v", logger.Formatter)
	}

	if _, err = newLogger(false, "loud"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}

func TestStartupError(t *testing.T) {
	cause := errors.New("state-path must not be empty")
	err := StartupError(cause)

	var exitCodeErr *ErrorWithExitCode
	if !errors.As(err, &exitCodeErr) {
		t.Fatalf("expected ErrorWithExitCode, got %T", err)
	}
	if exitCodeErr.Code != ExitCodeStartupError {
		t.Errorf("got exit code %d", exitCodeErr.Code)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause not wrapped")
	}
}
