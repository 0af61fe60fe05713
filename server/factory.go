/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Factory accepts MTA connections and drives their sessions.
type Factory interface {
	// Serve accepts connections from ln until ctx is done or ln is closed.
	Serve(ctx context.Context, ln net.Listener) error
	// Shutdown waits for active connections to finish until ctx is done and
	// then closes the remaining ones.
	Shutdown(ctx context.Context) error
	Mode() string
}

// NewFactory creates the factory for config.Mode.
func NewFactory(ctx context.Context, config *Config, st *stats, onChange func()) (Factory, error) {
	if err := config.Filter.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		st = &stats{}
	}
	b := newBase(ctx, config, st, onChange)

	switch config.Mode {
	case ModeThread, "":
		b.mode = ModeThread
		return &threadFactory{base: b}, nil
	case ModeReactor:
		return newReactorFactory(b), nil
	case ModeProcess:
		return newProcessFactory(b, config), nil
	default:
		return nil, fmt.Errorf("unknown mode %q", config.Mode)
	}
}

// threadFactory runs every connection in its own goroutine.
type threadFactory struct {
	*base
	wg sync.WaitGroup
}

func (t *threadFactory) Mode() string {
	return ModeThread
}

func (t *threadFactory) Serve(ctx context.Context, ln net.Listener) error {
	return acceptLoop(ctx, ln, t.logger, func(conn net.Conn) {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveConnection(conn)
		}()
	})
}

func (t *threadFactory) serveConnection(conn net.Conn) {
	c, err := t.newConnection(conn)
	if err != nil {
		t.logger.WithError(err).Errorln("failed to create milter session")
		conn.Close()
		return
	}
	t.teardown(c, pumpConnection(c, t.timeout))
}

func (t *threadFactory) Shutdown(ctx context.Context) error {
	err := t.waitIdle(ctx)
	for _, c := range t.activeConnections() {
		// The pump notices and tears the session down.
		c.conn.Close()
	}
	t.wg.Wait()
	return err
}
