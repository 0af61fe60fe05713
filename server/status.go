/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"
)

type Status struct {
	mu sync.RWMutex

	Mode      string     `json:"mode"`
	Listen    string     `json:"listen"`
	PID       int        `json:"pid"`
	StartedAt *time.Time `json:"started_at"`

	ActiveConnections int    `json:"connections_active"`
	TotalConnections  uint64 `json:"connections_total"`
	FailedConnections uint64 `json:"connections_failed"`
	DeferredPending   int    `json:"deferred_pending"`

	Sessions []*SessionStatus `json:"sessions"`
}

type SessionStatus struct {
	ID     string     `json:"id"`
	Remote string     `json:"remote"`
	Since  *time.Time `json:"since"`
}

func (status *Status) Copy() (*Status, error) {
	status.mu.RLock()
	defer status.mu.RUnlock()

	s := &Status{}
	err := copier.CopyWithOption(s, status, copier.Option{
		IgnoreEmpty: true,
		DeepCopy:    true,
	})

	return s, err
}

type activeCounter interface {
	activeCount() int
}

type sessionLister interface {
	activeConnections() []*connection
}

type pendingCounter interface {
	pending() int
}

func (status *Status) update(st *stats, factory Factory) {
	status.mu.Lock()
	defer status.mu.Unlock()

	status.TotalConnections = atomic.LoadUint64(&st.total)
	status.FailedConnections = atomic.LoadUint64(&st.failed)

	if factory == nil {
		return
	}
	if c, ok := factory.(activeCounter); ok {
		status.ActiveConnections = c.activeCount()
	}
	if c, ok := factory.(pendingCounter); ok {
		status.DeferredPending = c.pending()
	}
	status.Sessions = status.Sessions[:0]
	if l, ok := factory.(sessionLister); ok {
		for _, c := range l.activeConnections() {
			since := c.started
			status.Sessions = append(status.Sessions, &SessionStatus{
				ID:     c.session.ID(),
				Remote: c.conn.RemoteAddr().String(),
				Since:  &since,
			})
		}
		sort.Slice(status.Sessions, func(i, j int) bool {
			return status.Sessions[i].Since.Before(*status.Sessions[j].Since)
		})
	}
}

// Status returns a snapshot of the server status.
func (server *Server) Status() (*Status, error) {
	server.mu.RLock()
	factory := server.factory
	server.mu.RUnlock()

	server.status.update(&server.stats, factory)
	return server.status.Copy()
}
