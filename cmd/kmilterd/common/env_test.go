/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func TestApplyFlagsFromEnvFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "kmilterd.cfg")
	if err := os.WriteFile(configFile, []byte(`
listen=unix:/run/kmilterd/milter.sock
mode=reactor
reject_domains=spam.example junk.example
backlog=10
`), 0600); err != nil {
		t.Fatal(err)
	}

	previous := DefaultEnvConfigFile
	DefaultEnvConfigFile = configFile
	defer func() {
		DefaultEnvConfigFile = previous
	}()

	var listen, mode string
	var backlog int
	var rejectDomains []string
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().StringVar(&listen, "listen", "inet:127.0.0.1:10027", "")
	cmd.Flags().StringVar(&mode, "mode", "thread", "")
	cmd.Flags().IntVar(&backlog, "backlog", 50, "")
	cmd.Flags().StringArrayVar(&rejectDomains, "reject-domain", nil, "")

	// Explicit flags win over the config file.
	if err := cmd.Flags().Parse([]string{"--mode", "process"}); err != nil {
		t.Fatal(err)
	}

	if err := ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if listen != "unix:/run/kmilterd/milter.sock" {
		t.Errorf("listen not applied: %q", listen)
	}
	if mode != "process" {
		t.Errorf("explicit mode overridden: %q", mode)
	}
	if backlog != 10 {
		t.Errorf("backlog not applied: %d", backlog)
	}
	if len(rejectDomains) != 2 || rejectDomains[0] != "spam.example" || rejectDomains[1] != "junk.example" {
		t.Errorf("reject domains not applied: %v", rejectDomains)
	}
}

func TestApplyFlagsFromEnvFileInvalidValue(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "kmilterd.cfg")
	if err := os.WriteFile(configFile, []byte("backlog=many\n"), 0600); err != nil {
		t.Fatal(err)
	}

	previous := DefaultEnvConfigFile
	DefaultEnvConfigFile = configFile
	defer func() {
		DefaultEnvConfigFile = previous
	}()

	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().Int("backlog", 50, "")
	if err := ApplyFlagsFromEnvFile(cmd, nil); err == nil {
		t.Errorf("expected error for invalid value")
	}
}

func TestApplyFlagsFromEnvFilePrefixedKeys(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "kmilterd.env")
	if err := os.WriteFile(configFile, []byte(`
KMILTERD_LISTEN=unix:/run/kmilterd/milter.sock
KMILTERD_DNSBL_ZONES="zen.example  bl.example"
mode=reactor
KMILTERD_MODE=process
`), 0600); err != nil {
		t.Fatal(err)
	}

	previous := DefaultEnvConfigFile
	DefaultEnvConfigFile = configFile
	defer func() {
		DefaultEnvConfigFile = previous
	}()

	var listen, mode string
	var zones []string
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().StringVar(&listen, "listen", "inet:127.0.0.1:10027", "")
	cmd.Flags().StringVar(&mode, "mode", "thread", "")
	cmd.Flags().StringArrayVar(&zones, "dnsbl-zone", nil, "")

	if err := ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if listen != "unix:/run/kmilterd/milter.sock" {
		t.Errorf("prefixed listen not applied: %q", listen)
	}
	if mode != "reactor" {
		t.Errorf("plain key must win over prefixed key, got %q", mode)
	}
	if len(zones) != 2 || zones[0] != "zen.example" || zones[1] != "bl.example" {
		t.Errorf("zones not applied: %q", zones)
	}
}

func TestApplyFlagsFromEnvFileUnknownMapping(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "kmilterd.cfg")
	if err := os.WriteFile(configFile, []byte("listen=unix:/tmp/m.sock\n"), 0600); err != nil {
		t.Fatal(err)
	}

	previous := DefaultEnvConfigFile
	DefaultEnvConfigFile = configFile
	defer func() {
		DefaultEnvConfigFile = previous
	}()

	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().String("listen", "", "")
	if err := ApplyFlagsFromEnvFile(cmd, map[string]string{"socket": "listen"}); err == nil {
		t.Errorf("expected error for unknown flag in mapping")
	}
}
