/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestParseEndpoint(t *testing.T) {
	for _, tc := range []struct {
		value   string
		network string
		address string
		invalid bool
	}{
		{value: "inet:127.0.0.1:10025", network: NetworkInet, address: "127.0.0.1:10025"},
		{value: "inet:10025@127.0.0.1", network: NetworkInet, address: "127.0.0.1:10025"},
		{value: "inet:10025@localhost", network: NetworkInet, address: "localhost:10025"},
		{value: "INET::10025", network: NetworkInet, address: ":10025"},
		{value: "inet6:[::1]:10025", network: NetworkInet6, address: "[::1]:10025"},
		{value: "inet6:10025@[::1]", network: NetworkInet6, address: "[::1]:10025"},
		{value: "unix:/run/kmilterd/milter.sock", network: NetworkUnix, address: "/run/kmilterd/milter.sock"},
		{value: "local:/run/kmilterd/milter.sock", network: NetworkUnix, address: "/run/kmilterd/milter.sock"},
		{value: "/run/kmilterd/milter.sock", network: NetworkUnix, address: "/run/kmilterd/milter.sock"},
		{value: "./milter.sock", network: NetworkUnix, address: "./milter.sock"},
		{value: "systemd", network: NetworkSystemd},
		{value: "", invalid: true},
		{value: "unix:", invalid: true},
		{value: "inet:10025", invalid: true},
		{value: "inet:127.0.0.1:smtp", invalid: true},
		{value: "inet:127.0.0.1:70000", invalid: true},
		{value: "tcp:127.0.0.1:10025", invalid: true},
	} {
		ep, err := ParseEndpoint(tc.value)
		if tc.invalid {
			if err == nil {
				t.Errorf("%q: expected error, got %+v", tc.value, ep)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.value, err)
			continue
		}
		if ep.Network != tc.network || ep.Address != tc.address {
			t.Errorf("%q: got %s %q, expected %s %q", tc.value, ep.Network, ep.Address, tc.network, tc.address)
		}
	}
}

func TestEndpointString(t *testing.T) {
	for _, value := range []string{"inet:127.0.0.1:10025", "inet6:[::1]:10025", "unix:/tmp/m.sock", "systemd"} {
		ep, err := ParseEndpoint(value)
		if err != nil {
			t.Fatalf("%q: %v", value, err)
		}
		if ep.String() != value {
			t.Errorf("got %q, expected %q", ep.String(), value)
		}
	}
}

func TestListenUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "milter.sock")

	ln, err := Listen(&Endpoint{Network: NetworkUnix, Address: path}, 5, 0660)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("socket missing: %v", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Errorf("expected a socket, got mode %v", info.Mode())
	}
	if perm := info.Mode().Perm(); perm != 0660 {
		t.Errorf("got permissions %o, expected 660", perm)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()

	// A stale socket gets replaced.
	ln2, err := Listen(&Endpoint{Network: NetworkUnix, Address: path}, 5, 0)
	if err != nil {
		t.Fatalf("listen over stale socket failed: %v", err)
	}
	ln2.Close()
	ln.Close()
}

func TestListenUnixRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}
	if ln, err := Listen(&Endpoint{Network: NetworkUnix, Address: path}, 5, 0); err == nil {
		ln.Close()
		t.Fatalf("expected error when replacing a regular file")
	}
	if data, _ := os.ReadFile(path); string(data) != "data" {
		t.Errorf("regular file was modified")
	}
}

func TestListenInet(t *testing.T) {
	ln, err := Listen(&Endpoint{Network: NetworkInet, Address: "127.0.0.1:0"}, 0, 0)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()
}
