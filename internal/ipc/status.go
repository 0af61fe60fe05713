/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"errors"

	"stash.kopano.io/kgol/kmilterd/server"
)

var (
	implStatus statusImpl
)

// ErrStatusNotInitialized is returned when status sharing was not set up.
var ErrStatusNotInitialized = errors.New("ipc status not initialized")

type statusImpl interface {
	clear() error
	set(*server.Status) error
	get() (*server.Status, error)
}

// MustInitializeStatusSHM initializes the status module using shared memory.
// The shared memory object name is derived from statePath, so the daemon and
// the status command find each other through the same state path.
func MustInitializeStatusSHM(statePath, projectID string) {
	if implStatus != nil {
		panic("ipc status already initialized")
	}

	if statePath == "" {
		panic("state path must not be empty")
	}

	implStatus = &shmStatus{
		statePath: statePath,
		projectID: projectID,
	}
}

// ClearStatus removes the shared status.
func ClearStatus() error {
	if implStatus == nil {
		return ErrStatusNotInitialized
	}
	return implStatus.clear()
}

// SetStatus replaces the shared status with status.
func SetStatus(status *server.Status) error {
	if implStatus == nil {
		return ErrStatusNotInitialized
	}
	return implStatus.set(status)
}

// GetStatus reads the shared status.
func GetStatus() (*server.Status, error) {
	if implStatus == nil {
		return nil, ErrStatusNotInitialized
	}
	return implStatus.get()
}
