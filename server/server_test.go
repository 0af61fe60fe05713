/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"stash.kopano.io/kgol/kmilterd/milter"
)

func TestMain(m *testing.M) {
	if IsChild() {
		// Started by the process mode tests to serve one connection.
		logger, _ := test.NewNullLogger()
		err := RunChild(context.Background(), &Config{
			Logger:      logger,
			Filter:      newTestFilter(),
			ConnTimeout: 10 * time.Second,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "child failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.Exit(m.Run())
}

func newTestFilter() *milter.Filter {
	return &milter.Filter{
		Connect: func(s *milter.Session, hostname string, family milter.Family, port uint16, address string, macros milter.Macros) (milter.Response, error) {
			if hostname != "slow.example" {
				return milter.RespContinue, nil
			}
			return s.Defer(func() (milter.Response, error) {
				time.Sleep(300 * time.Millisecond)
				return milter.RespTempFail, nil
			})
		},
		Helo: func(s *milter.Session, name string, macros milter.Macros) (milter.Response, error) {
			return milter.RespContinue, nil
		},
		RcptTo: func(s *milter.Session, rcpt string, macros milter.Macros) (milter.Response, error) {
			if rcpt == "<blocked@example.org>" {
				return milter.RespReject, nil
			}
			return milter.RespContinue, nil
		},
		EndOfMessage: func(s *milter.Session, macros milter.Macros) (milter.Response, error) {
			if err := s.AddHeader("X-Test", s.ID()); err != nil {
				return milter.Response{}, err
			}
			return milter.RespAccept, nil
		},
		Actions: milter.ActionAddHeaders,
	}
}

type testServer struct {
	server *Server
	path   string
	stop   func()
}

func startTestServer(t *testing.T, config *Config) *testServer {
	logger, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "milter.sock")

	config.Logger = logger
	config.ListenEndpoint = "unix:" + path
	if config.Filter == nil {
		config.Filter = newTestFilter()
	}
	if config.ConnTimeout == 0 {
		config.ConnTimeout = 10 * time.Second
	}
	readyCh := make(chan struct{})
	config.OnReady = func(*Server) {
		close(readyCh)
	}

	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ctx)
	}()

	select {
	case <-readyCh:
	case err = <-errCh:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("server not ready")
	}

	ts := &testServer{
		server: server,
		path:   path,
	}
	var stopped bool
	ts.stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("server returned error: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Errorf("server did not stop")
		}
	}
	t.Cleanup(ts.stop)
	return ts
}

type mtaClient struct {
	t       *testing.T
	conn    net.Conn
	decoder *milter.Decoder
	pending []*milter.Packet
}

func (ts *testServer) dial(t *testing.T) *mtaClient {
	conn, err := net.Dial("unix", ts.path)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return &mtaClient{
		t:       t,
		conn:    conn,
		decoder: milter.NewDecoder(0),
	}
}

func (c *mtaClient) send(code byte, payload []byte) {
	if _, err := c.conn.Write(milter.EncodePacket(code, payload)); err != nil {
		c.t.Fatalf("write %c failed: %v", code, err)
	}
}

func (c *mtaClient) read(n int) []*milter.Packet {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	for len(c.pending) < n {
		count, err := c.conn.Read(buf)
		if count > 0 {
			packets, decodeErr := c.decoder.Decode(buf[:count])
			if decodeErr != nil {
				c.t.Fatalf("decode failed: %v", decodeErr)
			}
			c.pending = append(c.pending, packets...)
		}
		if err != nil {
			c.t.Fatalf("read failed with %d of %d replies: %v", len(c.pending), n, err)
		}
	}
	packets := c.pending[:n]
	c.pending = c.pending[n:]
	return packets
}

func (c *mtaClient) expect(codes ...byte) []*milter.Packet {
	packets := c.read(len(codes))
	for idx, p := range packets {
		if p.Code != codes[idx] {
			c.t.Fatalf("reply %d: got %q, expected %q", idx, p.Code, codes[idx])
		}
	}
	return packets
}

func (c *mtaClient) negotiate() {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:], milter.VersionMax)
	binary.BigEndian.PutUint32(payload[4:], uint32(milter.ActionsAll))
	binary.BigEndian.PutUint32(payload[8:], uint32(milter.ProtocolsAll))
	c.send(milter.CmdOptNeg, payload)

	reply := c.expect(milter.RespCodeOptNeg)[0]
	if len(reply.Data) != 12 {
		c.t.Fatalf("negotiate reply has %d bytes", len(reply.Data))
	}
	if version := binary.BigEndian.Uint32(reply.Data[0:]); version != milter.VersionMax {
		c.t.Errorf("negotiated version %d", version)
	}
	if actions := milter.ActionFlags(binary.BigEndian.Uint32(reply.Data[4:])); actions != milter.ActionAddHeaders {
		c.t.Errorf("negotiated actions %#x", actions)
	}
}

func connectPayload(hostname string) []byte {
	payload := append([]byte(hostname), 0, byte(milter.FamilyInet), 0x30, 0x39)
	return append(payload, "192.0.2.1\x00"...)
}

// transaction runs a full message transaction and quits.
func (c *mtaClient) transaction() {
	c.negotiate()
	c.send(milter.CmdConnect, connectPayload("mx.example"))
	c.expect(milter.RespCodeContinue)
	c.send(milter.CmdHelo, []byte("mx.example\x00"))
	c.expect(milter.RespCodeContinue)
	c.send(milter.CmdRcpt, []byte("<user@example.org>\x00"))
	c.expect(milter.RespCodeContinue)
	c.send(milter.CmdRcpt, []byte("<blocked@example.org>\x00"))
	c.expect(milter.RespCodeReject)
	c.send(milter.CmdEndOfBody, nil)
	packets := c.expect(milter.RespCodeAddHeader, milter.RespCodeAccept)
	if len(packets[0].Data) < len("X-Test\x00") || string(packets[0].Data[:7]) != "X-Test\x00" {
		c.t.Errorf("unexpected header payload %q", packets[0].Data)
	}
	c.send(milter.CmdQuit, nil)

	// The filter closes its side after quit.
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if n, err := c.conn.Read(make([]byte, 1)); err == nil || n != 0 {
		c.t.Errorf("expected connection to be closed after quit, got %d bytes, %v", n, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeModes(t *testing.T) {
	for _, mode := range []string{ModeThread, ModeReactor, ModeProcess} {
		t.Run(mode, func(t *testing.T) {
			config := &Config{Mode: mode}
			if mode == ModeProcess {
				executable, err := os.Executable()
				if err != nil {
					t.Skipf("no executable: %v", err)
				}
				config.ChildExecutable = executable
				config.ChildArgs = []string{"-test.run=^$"}
			}
			ts := startTestServer(t, config)

			a := ts.dial(t)
			b := ts.dial(t)
			a.transaction()
			b.transaction()

			waitFor(t, "connections to finish", func() bool {
				status, err := ts.server.Status()
				return err == nil && status.ActiveConnections == 0 && status.TotalConnections == 2
			})
			status, _ := ts.server.Status()
			if status.Mode != mode {
				t.Errorf("status mode %q, expected %q", status.Mode, mode)
			}
			if status.FailedConnections != 0 {
				t.Errorf("got %d failed connections", status.FailedConnections)
			}
		})
	}
}

func TestServeProtocolErrorClosesConnection(t *testing.T) {
	for _, mode := range []string{ModeThread, ModeReactor} {
		t.Run(mode, func(t *testing.T) {
			ts := startTestServer(t, &Config{Mode: mode})

			good := ts.dial(t)
			good.negotiate()

			bad := ts.dial(t)
			// Stage command before negotiation.
			bad.send(milter.CmdHelo, []byte("mx.example\x00"))

			bad.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if n, err := bad.conn.Read(make([]byte, 1)); err == nil || n != 0 {
				t.Errorf("expected connection to be closed, got %d bytes, %v", n, err)
			}
			waitFor(t, "failed connection", func() bool {
				status, err := ts.server.Status()
				return err == nil && status.FailedConnections == 1 && status.ActiveConnections == 1
			})

			// The other connection is not affected.
			good.send(milter.CmdHelo, []byte("mx.example\x00"))
			good.expect(milter.RespCodeContinue)
		})
	}
}

func TestReactorDeferredReply(t *testing.T) {
	ts := startTestServer(t, &Config{Mode: ModeReactor})

	slow := ts.dial(t)
	slow.negotiate()
	slow.send(milter.CmdConnect, connectPayload("slow.example"))

	waitFor(t, "deferred task", func() bool {
		status, err := ts.server.Status()
		return err == nil && status.DeferredPending == 1
	})

	// Other sessions are served while the task runs.
	fast := ts.dial(t)
	fast.negotiate()
	fast.send(milter.CmdHelo, []byte("mx.example\x00"))
	fast.expect(milter.RespCodeContinue)

	slow.expect(milter.RespCodeTempFail)
	slow.send(milter.CmdHelo, []byte("slow.example\x00"))
	slow.expect(milter.RespCodeContinue)

	waitFor(t, "queue to drain", func() bool {
		status, err := ts.server.Status()
		return err == nil && status.DeferredPending == 0
	})
}

func TestStatusSessions(t *testing.T) {
	var statusCalls int32
	ts := startTestServer(t, &Config{
		Mode: ModeThread,
		OnStatus: func(*Server) {
			atomic.AddInt32(&statusCalls, 1)
		},
	})

	c := ts.dial(t)
	c.negotiate()

	status, err := ts.server.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.ActiveConnections != 1 || len(status.Sessions) != 1 {
		t.Fatalf("expected one active session, got %d / %d", status.ActiveConnections, len(status.Sessions))
	}
	if status.Sessions[0].ID == "" || status.Sessions[0].Since == nil {
		t.Errorf("incomplete session status %+v", status.Sessions[0])
	}
	if status.StartedAt == nil || status.PID != os.Getpid() {
		t.Errorf("unexpected status %+v", status)
	}

	// Snapshots are independent of the live status.
	status.Sessions[0].ID = "changed"
	again, _ := ts.server.Status()
	if again.Sessions[0].ID == "changed" {
		t.Errorf("status snapshot shares sessions")
	}

	c.send(milter.CmdQuit, nil)
	waitFor(t, "status update", func() bool {
		return atomic.LoadInt32(&statusCalls) >= 2
	})
}

func TestNewServerValidation(t *testing.T) {
	logger, _ := test.NewNullLogger()

	if _, err := NewServer(&Config{Filter: newTestFilter(), ListenEndpoint: "unix:/tmp/x.sock"}); err == nil {
		t.Errorf("expected error without logger")
	}
	if _, err := NewServer(&Config{Logger: logger, Filter: &milter.Filter{}, ListenEndpoint: "unix:/tmp/x.sock"}); err == nil {
		t.Errorf("expected error for filter without end of message callback")
	}
	if _, err := NewServer(&Config{Logger: logger, Filter: newTestFilter(), ListenEndpoint: "unix:/tmp/x.sock", Mode: "forking"}); err == nil {
		t.Errorf("expected error for unknown mode")
	}
	if _, err := NewServer(&Config{Logger: logger, Filter: newTestFilter(), ListenEndpoint: "tcp:1"}); err == nil {
		t.Errorf("expected error for invalid endpoint")
	}

	config := &Config{Logger: logger, Filter: newTestFilter(), ListenEndpoint: "unix:/tmp/x.sock"}
	if _, err := NewServer(config); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Mode != DefaultMode || config.Backlog != DefaultBacklog || config.SocketMode != DefaultSocketMode {
		t.Errorf("defaults not applied: %+v", config)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestFailureReason(t *testing.T) {
	for _, tc := range []struct {
		err      error
		expected string
	}{
		{fmt.Errorf("wrapped: %w", milter.ErrFraming), "framing"},
		{&milter.UnsupportedStageError{Code: 'X'}, "unsupported"},
		{milter.ErrNegotiation, "negotiation"},
		{&milter.CallbackError{Stage: milter.StageHelo, Err: errors.New("boom")}, "callback"},
		{timeoutError{}, "timeout"},
		{errors.New("connection reset by peer"), "io"},
	} {
		if reason := failureReason(tc.err); reason != tc.expected {
			t.Errorf("%v: got %q, expected %q", tc.err, reason, tc.expected)
		}
	}
}

func TestConnTimeoutDefaults(t *testing.T) {
	if d := (&Config{}).connTimeout(); d != DefaultThreadConnTimeout {
		t.Errorf("got %v", d)
	}
	if d := (&Config{Mode: ModeProcess}).connTimeout(); d != DefaultProcessConnTimeout {
		t.Errorf("got %v", d)
	}
	if d := (&Config{ConnTimeout: time.Second}).connTimeout(); d != time.Second {
		t.Errorf("got %v", d)
	}
}
