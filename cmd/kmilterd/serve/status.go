/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"stash.kopano.io/kgol/kmilterd/internal/ipc"
	"stash.kopano.io/kgol/kmilterd/server"
)

// onStatus shares the current server status with the status command.
func onStatus(srv *server.Server) {
	logger := srv.Logger()

	s, statusErr := srv.Status()
	if statusErr != nil {
		logger.WithError(statusErr).Errorln("failed to get server status")
		s = &server.Status{}
	}

	statusErr = ipc.SetStatus(s)
	if statusErr != nil {
		logger.WithError(statusErr).Errorln("failed to share server status")
		return
	}
	logger.WithField("connections_active", s.ActiveConnections).Debugln("server status shared")
}

func clearStatus() error {
	return ipc.ClearStatus()
}
