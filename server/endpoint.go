/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/activation"
	"golang.org/x/sys/unix"
)

// Endpoint networks.
const (
	NetworkInet    = "tcp4"
	NetworkInet6   = "tcp6"
	NetworkUnix    = "unix"
	NetworkSystemd = "systemd"
)

// Endpoint is a parsed listen address.
type Endpoint struct {
	Network string
	Address string
}

func (ep *Endpoint) String() string {
	switch ep.Network {
	case NetworkInet:
		return "inet:" + ep.Address
	case NetworkInet6:
		return "inet6:" + ep.Address
	case NetworkSystemd:
		return NetworkSystemd
	default:
		return "unix:" + ep.Address
	}
}

// ParseEndpoint parses a milter socket specification. Supported are
// inet:HOST:PORT, inet:PORT@HOST, inet6:[HOST]:PORT, inet6:PORT@HOST,
// unix:PATH, local:PATH, a bare path and "systemd" for socket activation.
func ParseEndpoint(value string) (*Endpoint, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("empty listen endpoint")
	}
	if value == NetworkSystemd {
		return &Endpoint{Network: NetworkSystemd}, nil
	}

	scheme, rest, found := strings.Cut(value, ":")
	if !found || strings.HasPrefix(value, "/") || strings.HasPrefix(value, ".") {
		return &Endpoint{Network: NetworkUnix, Address: value}, nil
	}

	switch strings.ToLower(scheme) {
	case "unix", "local":
		if rest == "" {
			return nil, fmt.Errorf("empty socket path in %q", value)
		}
		return &Endpoint{Network: NetworkUnix, Address: rest}, nil

	case "inet", "inet6":
		network := NetworkInet
		if strings.ToLower(scheme) == "inet6" {
			network = NetworkInet6
		}
		address, err := parseInetAddress(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid %s endpoint %q: %w", scheme, value, err)
		}
		return &Endpoint{Network: network, Address: address}, nil

	default:
		return nil, fmt.Errorf("unknown listen endpoint type %q", scheme)
	}
}

func parseInetAddress(value string) (string, error) {
	// Sendmail style port@host.
	if port, host, found := strings.Cut(value, "@"); found {
		value = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}
	host, port, err := net.SplitHostPort(value)
	if err != nil {
		return "", err
	}
	if _, err = strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("invalid port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}

// Listen binds the endpoint with the provided listen backlog. UNIX sockets
// replace a stale socket file and get their permissions set to mode.
func Listen(ep *Endpoint, backlog int, mode os.FileMode) (net.Listener, error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	switch ep.Network {
	case NetworkInet, NetworkInet6:
		return listenInet(ep, backlog)
	case NetworkUnix:
		return listenUnix(ep.Address, backlog, mode)
	case NetworkSystemd:
		return listenSystemd()
	default:
		return nil, fmt.Errorf("unsupported network %q", ep.Network)
	}
}

func listenInet(ep *Endpoint, backlog int) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr(ep.Network, ep.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address: %w", err)
	}

	var domain int
	var sa unix.Sockaddr
	if ep.Network == NetworkInet {
		domain = unix.AF_INET
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		if addr.IP != nil {
			copy(sa4.Addr[:], addr.IP.To4())
		}
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		if addr.IP != nil {
			copy(sa6.Addr[:], addr.IP.To16())
		}
		sa = sa6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}

	return bindAndListen(fd, sa, backlog, ep.String())
}

func listenUnix(path string, backlog int, mode os.FileMode) (net.Listener, error) {
	if info, statErr := os.Lstat(path); statErr == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("refusing to replace non-socket file %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	unix.CloseOnExec(fd)

	ln, err := bindAndListen(fd, &unix.SockaddrUnix{Name: path}, backlog, "unix:"+path)
	if err != nil {
		return nil, err
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}
	if mode != 0 {
		if err = os.Chmod(path, mode); err != nil {
			ln.Close()
			return nil, fmt.Errorf("failed to set socket mode: %w", err)
		}
	}
	return ln, nil
}

func bindAndListen(fd int, sa unix.Sockaddr, backlog int, name string) (net.Listener, error) {
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind %s: %w", name, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on %s: %w", name, err)
	}

	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return ln, nil
}

func listenSystemd() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	for _, ln := range listeners {
		if ln != nil {
			return ln, nil
		}
	}
	return nil, errors.New("no socket passed by systemd")
}
