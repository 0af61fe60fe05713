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
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ChildFDEnv names the environment variable which carries the connection file
// descriptor number to a child process.
const ChildFDEnv = "KMILTERD_CHILD_FD"

// IsChild reports whether the current process was started to serve a single
// connection.
func IsChild() bool {
	return os.Getenv(ChildFDEnv) != ""
}

// processFactory serves every connection in a child process. The child is
// the same executable, started with the connection as extra file.
type processFactory struct {
	*base

	executable string
	args       []string

	mu       sync.Mutex
	children map[int]*exec.Cmd
	wg       sync.WaitGroup
	active   int64
}

func newProcessFactory(b *base, config *Config) *processFactory {
	executable := config.ChildExecutable
	args := config.ChildArgs
	if executable == "" {
		executable, _ = os.Executable()
		if executable == "" {
			executable = os.Args[0]
		}
		if args == nil {
			args = os.Args[1:]
		}
	}

	return &processFactory{
		base: b,

		executable: executable,
		args:       args,

		children: make(map[int]*exec.Cmd),
	}
}

func (p *processFactory) Mode() string {
	return ModeProcess
}

func (p *processFactory) Serve(ctx context.Context, ln net.Listener) error {
	return acceptLoop(ctx, ln, p.logger, p.spawn)
}

type filer interface {
	File() (*os.File, error)
}

func (p *processFactory) spawn(conn net.Conn) {
	defer conn.Close()

	fc, ok := conn.(filer)
	if !ok {
		p.logger.Errorln("connection does not support file descriptor passing")
		return
	}
	f, err := fc.File()
	if err != nil {
		p.logger.WithError(err).Errorln("failed to get connection file")
		return
	}
	defer f.Close()

	cmd := exec.Command(p.executable, p.args...)
	// The first extra file becomes fd 3 in the child.
	cmd.Env = append(os.Environ(), ChildFDEnv+"=3")
	cmd.ExtraFiles = []*os.File{f}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err = cmd.Start(); err != nil {
		atomic.AddUint64(&p.stats.failed, 1)
		p.logger.WithError(err).Errorln("failed to start child process")
		return
	}

	pid := cmd.Process.Pid
	p.mu.Lock()
	p.children[pid] = cmd
	p.mu.Unlock()

	atomic.AddUint64(&p.stats.total, 1)
	atomic.AddInt64(&p.active, 1)
	recordConnectionOpened(ModeProcess)
	p.changed()

	p.logger.WithFields(logrus.Fields{
		"pid":    pid,
		"remote": conn.RemoteAddr().String(),
	}).Debugln("milter child started")

	p.wg.Add(1)
	go p.reap(pid, cmd)
}

// reap waits for the child to exit and logs its status.
func (p *processFactory) reap(pid int, cmd *exec.Cmd) {
	defer p.wg.Done()

	started := time.Now()
	err := cmd.Wait()

	p.mu.Lock()
	delete(p.children, pid)
	p.mu.Unlock()

	logger := p.logger.WithFields(logrus.Fields{
		"pid":      pid,
		"duration": time.Since(started),
	})
	if err != nil {
		atomic.AddUint64(&p.stats.failed, 1)
		recordConnectionFailed(ModeProcess, err)
		logger.WithError(err).Warnln("milter child exited with error")
	} else {
		logger.Debugln("milter child exited")
	}

	atomic.AddInt64(&p.active, -1)
	recordConnectionClosed(ModeProcess)
	p.changed()
}

func (p *processFactory) activeCount() int {
	return int(atomic.LoadInt64(&p.active))
}

func (p *processFactory) Shutdown(ctx context.Context) error {
	var err error
	func() {
		for {
			if p.activeCount() == 0 {
				return
			}
			select {
			case <-ctx.Done():
				err = ctx.Err()
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	p.mu.Lock()
	for pid, cmd := range p.children {
		p.logger.WithField("pid", pid).Warnln("terminating milter child")
		cmd.Process.Signal(syscall.SIGTERM)
	}
	p.mu.Unlock()

	p.wg.Wait()
	return err
}

// RunChild serves the single connection passed by a parent process. It
// returns when the session ended.
func RunChild(ctx context.Context, config *Config) error {
	fd, err := strconv.Atoi(os.Getenv(ChildFDEnv))
	if err != nil {
		return fmt.Errorf("invalid %s value: %w", ChildFDEnv, err)
	}

	f := os.NewFile(uintptr(fd), "milter-conn")
	if f == nil {
		return fmt.Errorf("invalid connection file descriptor %d", fd)
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to use connection file descriptor: %w", err)
	}

	childConfig := *config
	childConfig.Mode = ModeProcess
	childConfig.Logger = config.Logger.WithField("pid", os.Getpid())
	b := newBase(ctx, &childConfig, &stats{}, nil)

	c, err := b.newConnection(conn)
	if err != nil {
		conn.Close()
		return err
	}

	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	err = pumpConnection(c, b.timeout)
	b.teardown(c, err)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
