/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kmilterd/utils"
)

// Server is our milter server implementation.
type Server struct {
	config *Config

	logger logrus.FieldLogger

	endpoint *Endpoint

	mu       sync.RWMutex
	listener net.Listener
	factory  Factory

	stats             stats
	status            *Status
	statusBroadcaster *utils.Broadcaster
}

// NewServer constructs a server from the provided parameters.
func NewServer(c *Config) (*Server, error) {
	if c.Logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if err := c.Filter.Validate(); err != nil {
		return nil, err
	}

	if c.Mode == "" {
		c.Mode = DefaultMode
	}
	switch c.Mode {
	case ModeThread, ModeReactor, ModeProcess:
	default:
		return nil, fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	if c.SocketMode == 0 {
		c.SocketMode = DefaultSocketMode
	}

	endpoint, err := ParseEndpoint(c.ListenEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid listen endpoint: %w", err)
	}

	s := &Server{
		config: c,
		logger: c.Logger,

		endpoint: endpoint,

		status: &Status{
			Mode:   c.Mode,
			Listen: endpoint.String(),
			PID:    os.Getpid(),
		},
		statusBroadcaster: utils.NewBroadcaster(),
	}

	return s, nil
}

// Logger returns the server's logger.
func (server *Server) Logger() logrus.FieldLogger {
	return server.logger
}

// Addr returns the bound listen address or nil when not listening.
func (server *Server) Addr() net.Addr {
	server.mu.RLock()
	defer server.mu.RUnlock()
	if server.listener == nil {
		return nil
	}
	return server.listener.Addr()
}

func (server *Server) statusChanged() {
	server.statusBroadcaster.Broadcast(struct{}{})
}

// Serve binds the listener, starts the connection factory and blocks until
// a signal, an error or the context ends it. A process started as connection
// child serves its single connection instead.
func (server *Server) Serve(ctx context.Context) error {
	if IsChild() {
		return RunChild(ctx, server.config)
	}

	var err error

	errCh := make(chan error, 2)
	exitCh := make(chan struct{}, 1)
	signalCh := make(chan os.Signal, 1)
	readyCh := make(chan struct{}, 1)
	triggerCh := make(chan bool, 1)

	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	logger := server.logger

	listener, err := Listen(server.endpoint, server.config.Backlog, server.config.SocketMode)
	if err != nil {
		return fmt.Errorf("failed to create milter listener: %w", err)
	}
	factory, err := NewFactory(serveCtx, server.config, &server.stats, server.statusChanged)
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to create connection factory: %w", err)
	}
	server.mu.Lock()
	server.listener = listener
	server.factory = factory
	server.mu.Unlock()

	startedAt := time.Now()
	server.status.mu.Lock()
	server.status.StartedAt = &startedAt
	server.status.mu.Unlock()

	go func() {
		select {
		case <-serveCtx.Done():
			return
		case <-readyCh:
		}
		logger.WithFields(logrus.Fields{
			"mode":   factory.Mode(),
			"listen": listener.Addr().String(),
		}).Infoln("ready")
		if server.config.OnReady != nil {
			server.config.OnReady(server)
		}
	}()

	var serversWg sync.WaitGroup

	go server.statusBroadcaster.Start(serveCtx)

	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		server.statusReadPump(serveCtx, triggerCh)
	}()

	if server.config.MetricsListenAddress != "" {
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			if metricsErr := serveMetrics(serveCtx, server.config.MetricsListenAddress, logger); metricsErr != nil {
				errCh <- fmt.Errorf("metrics listener failed: %w", metricsErr)
			}
		}()
	}

	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		logger.WithField("listen_addr", listener.Addr()).Infoln("milter listener started")
		if serveErr := factory.Serve(serveCtx, listener); serveErr != nil {
			errCh <- serveErr
		}
	}()

	// Wait for all services to stop before closing the exit channel
	go func() {
		serversWg.Wait()
		close(exitCh)
	}()

	close(readyCh)

	// Wait for error or signal, with support for HUP to refresh status.
	err = func() error {
		signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(signalCh)
		for {
			select {
			case errFromChannel := <-errCh:
				return errFromChannel
			case reason := <-signalCh:
				if reason == syscall.SIGHUP {
					logger.Infoln("reload signal received, refreshing status")
					select {
					case triggerCh <- true:
					default:
					}
					continue
				}
				logger.WithField("signal", reason).Warnln("received signal")
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}()

	logger.Infoln("clean server shutdown start")

	// Stop accepting, then give active connections time to finish.
	listener.Close()
	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	if shutdownErr := factory.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Warn("clean connection shutdown failed")
	} else {
		logger.Info("clean connection shutdown complete")
	}
	shutdownCtxCancel()

	// Cancel our own context and wait for all services to shutdown.
	serveCtxCancel()
	func() {
		for {
			select {
			case <-exitCh:
				logger.Infoln("clean server shutdown complete, exiting")
				return
			default:
				// Some services still running
				logger.Info("waiting services to exit")
			}
			select {
			case reason := <-signalCh:
				logger.WithField("signal", reason).Warn("received signal")
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	return err
}

// statusReadPump calls OnStatus on start, whenever triggered and at most once
// per DefaultStatusUpdateBackoff while connections change.
func (server *Server) statusReadPump(ctx context.Context, triggerCh <-chan bool) {
	if server.config.OnStatus == nil {
		return
	}

	messageCh := server.statusBroadcaster.Subscribe()
	server.config.OnStatus(server)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messageCh:
			if !ok {
				return
			}
			if pending == nil {
				pending = time.After(DefaultStatusUpdateBackoff)
			}
			continue
		case <-triggerCh:
		case <-pending:
		}
		pending = nil
		server.config.OnStatus(server)
	}
}
