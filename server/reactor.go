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
	"time"

	"stash.kopano.io/kgol/kmilterd/milter"
)

// reactorFactory drives all sessions from a single dispatch goroutine.
// Reader goroutines only move bytes into the event channel, so sessions and
// deferred task continuations are never touched concurrently.
type reactorFactory struct {
	*base

	tasks  *milter.TaskQueue
	events chan readEvent

	mu    sync.Mutex
	conns map[string]*reactorConn

	startOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

type reactorConn struct {
	*connection
	gone chan struct{}
}

type readEvent struct {
	rc   *reactorConn
	data []byte
	err  error
}

func newReactorFactory(b *base) *reactorFactory {
	r := &reactorFactory{
		base: b,

		tasks:  milter.NewTaskQueue(),
		events: make(chan readEvent, 64),

		conns: make(map[string]*reactorConn),

		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	r.tasks.OnFailure = func(s *milter.Session, err error) {
		if rc := r.lookup(s.ID()); rc != nil {
			r.drop(rc, err)
		}
	}
	return r
}

func (r *reactorFactory) Mode() string {
	return ModeReactor
}

func (r *reactorFactory) pending() int {
	return r.tasks.Len()
}

func (r *reactorFactory) Serve(ctx context.Context, ln net.Listener) error {
	r.startOnce.Do(func() {
		go r.dispatch()
	})
	return acceptLoop(ctx, ln, r.logger, r.register)
}

func (r *reactorFactory) register(conn net.Conn) {
	c, err := r.newConnection(conn, milter.WithDeferrer(r.tasks))
	if err != nil {
		r.logger.WithError(err).Errorln("failed to create milter session")
		conn.Close()
		return
	}
	rc := &reactorConn{
		connection: c,
		gone:       make(chan struct{}),
	}

	r.mu.Lock()
	r.conns[c.session.ID()] = rc
	r.mu.Unlock()

	go r.read(rc)
}

func (r *reactorFactory) lookup(id string) *reactorConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id]
}

// read moves bytes from the socket to the dispatch goroutine.
func (r *reactorFactory) read(rc *reactorConn) {
	for {
		if r.timeout > 0 {
			rc.conn.SetReadDeadline(time.Now().Add(r.timeout))
		}
		buf := make([]byte, milter.DefaultReadChunkSize)
		n, err := rc.conn.Read(buf)
		if n > 0 {
			select {
			case r.events <- readEvent{rc: rc, data: buf[:n]}:
			case <-rc.gone:
				return
			}
		}
		if err != nil {
			select {
			case r.events <- readEvent{rc: rc, err: err}:
			case <-rc.gone:
			}
			return
		}
	}
}

func (r *reactorFactory) dispatch() {
	defer close(r.done)

	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-r.tasks.Notify():
		case <-r.quit:
			return
		}
		r.tasks.Sweep()
		recordDeferredPending(r.tasks.Len())
	}
}

func (r *reactorFactory) handle(ev readEvent) {
	rc := ev.rc
	select {
	case <-rc.gone:
		return
	default:
	}

	if ev.err != nil {
		if errors.Is(ev.err, io.EOF) || errors.Is(ev.err, net.ErrClosed) {
			r.drop(rc, nil)
		} else {
			r.drop(rc, ev.err)
		}
		return
	}

	if err := rc.session.Feed(ev.data); err != nil {
		r.drop(rc, err)
		return
	}
	if rc.session.Closed() {
		r.drop(rc, nil)
	}
}

func (r *reactorFactory) drop(rc *reactorConn, err error) {
	r.mu.Lock()
	if _, ok := r.conns[rc.session.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, rc.session.ID())
	r.mu.Unlock()

	close(rc.gone)
	r.teardown(rc.connection, err)
}

func (r *reactorFactory) Shutdown(ctx context.Context) error {
	err := r.waitIdle(ctx)

	r.mu.Lock()
	remaining := make([]*reactorConn, 0, len(r.conns))
	for _, rc := range r.conns {
		remaining = append(remaining, rc)
	}
	r.mu.Unlock()
	for _, rc := range remaining {
		// Unblocks the reader, the dispatcher drops the connection.
		rc.conn.Close()
	}
	if len(remaining) > 0 {
		r.waitIdle(context.Background())
	}

	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	r.startOnce.Do(func() {
		close(r.done)
	})
	<-r.done
	return err
}
