/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kmilterd/milter"
)

// Connection handling modes.
const (
	ModeReactor = "reactor"
	ModeThread  = "thread"
	ModeProcess = "process"
)

// Defaults.
var (
	DefaultMode                = ModeThread
	DefaultBacklog             = 50
	DefaultSocketMode          = os.FileMode(0666)
	DefaultThreadConnTimeout   = 1200 * time.Second
	DefaultProcessConnTimeout  = 300 * time.Second
	DefaultAcceptTimeout       = 3 * time.Second
	DefaultShutdownTimeout     = 10 * time.Second
	DefaultStatusUpdateBackoff = time.Second
)

// Config bundles configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	OnReady  func(*Server)
	OnStatus func(*Server)

	Filter *milter.Filter

	ListenEndpoint string
	Mode           string
	Backlog        int
	SocketMode     os.FileMode
	ConnTimeout    time.Duration
	MaxFrameSize   uint32

	// Process mode: the command started for every connection. Defaults to
	// the running executable with the same arguments.
	ChildExecutable string
	ChildArgs       []string

	MetricsListenAddress string
}

func (c *Config) connTimeout() time.Duration {
	if c.ConnTimeout > 0 {
		return c.ConnTimeout
	}
	if c.Mode == ModeProcess {
		return DefaultProcessConnTimeout
	}
	return DefaultThreadConnTimeout
}
