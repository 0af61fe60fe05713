/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kmilterd/milter"
)

// connection binds an accepted socket to its protocol session.
type connection struct {
	conn    net.Conn
	session *milter.Session
	started time.Time

	closeOnce sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.session.Close()
		c.conn.Close()
	})
}

// stats holds the connection counters of a server.
type stats struct {
	total  uint64
	failed uint64
}

// base holds what all factories share.
type base struct {
	ctx    context.Context
	logger logrus.FieldLogger
	mode   string

	filter       *milter.Filter
	timeout      time.Duration
	maxFrameSize uint32

	sessions cmap.ConcurrentMap
	stats    *stats
	onChange func()
}

func newBase(ctx context.Context, config *Config, st *stats, onChange func()) *base {
	return &base{
		ctx: ctx,
		logger: config.Logger.WithFields(logrus.Fields{
			"scope": "factory",
			"mode":  config.Mode,
		}),
		mode: config.Mode,

		filter:       config.Filter,
		timeout:      config.connTimeout(),
		maxFrameSize: config.MaxFrameSize,

		sessions: cmap.New(),
		stats:    st,
		onChange: onChange,
	}
}

// newConnection creates the session for conn and registers it.
func (b *base) newConnection(conn net.Conn, opts ...milter.SessionOption) (*connection, error) {
	opts = append([]milter.SessionOption{
		milter.WithContext(b.ctx),
		milter.WithLogger(b.logger.WithField("remote", conn.RemoteAddr().String())),
		milter.WithMaxFrameSize(b.maxFrameSize),
		milter.WithPacketHook(recordPacket),
	}, opts...)

	session, err := milter.NewSession(b.filter, conn, opts...)
	if err != nil {
		return nil, err
	}

	c := &connection{
		conn:    conn,
		session: session,
		started: time.Now(),
	}
	b.sessions.Set(session.ID(), c)
	atomic.AddUint64(&b.stats.total, 1)
	recordConnectionOpened(b.mode)
	b.changed()

	session.Logger().Debugln("milter connection accepted")
	return c, nil
}

// teardown closes the connection and accounts for err.
func (b *base) teardown(c *connection, err error) {
	c.close()
	if _, ok := b.sessions.Pop(c.session.ID()); !ok {
		return
	}

	logger := c.session.Logger().WithField("duration", time.Since(c.started))
	if err != nil {
		atomic.AddUint64(&b.stats.failed, 1)
		recordConnectionFailed(b.mode, err)
		logger.WithError(err).Warnln("milter connection failed")
	} else {
		logger.Debugln("milter connection closed")
	}
	recordConnectionClosed(b.mode)
	b.changed()
}

func (b *base) changed() {
	if b.onChange != nil {
		b.onChange()
	}
}

// activeConnections returns the registered connections.
func (b *base) activeConnections() []*connection {
	var active []*connection
	for item := range b.sessions.IterBuffered() {
		active = append(active, item.Val.(*connection))
	}
	return active
}

func (b *base) activeCount() int {
	return b.sessions.Count()
}

// waitIdle blocks until no sessions are registered or ctx is done.
func (b *base) waitIdle(ctx context.Context) error {
	for {
		if b.sessions.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// pumpConnection reads from the connection and feeds the session until the
// session is closed, the peer goes away or an error occurs.
func pumpConnection(c *connection, timeout time.Duration) error {
	buf := make([]byte, milter.DefaultReadChunkSize)
	for {
		if timeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return err
			}
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			if feedErr := c.session.Feed(buf[:n]); feedErr != nil {
				return feedErr
			}
			if c.session.Closed() {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// acceptLoop accepts connections and hands them to spawn until ctx is done or
// the listener is closed.
func acceptLoop(ctx context.Context, ln net.Listener, logger logrus.FieldLogger, spawn func(net.Conn)) error {
	bo := newAcceptBackoff()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if d, ok := ln.(deadliner); ok {
			d.SetDeadline(time.Now().Add(DefaultAcceptTimeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay := bo.Duration()
			logger.WithError(err).WithField("retry_in", delay).Warnln("accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()

		spawn(conn)
	}
}
