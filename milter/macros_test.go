/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package milter

import (
	"errors"
	"strings"
	"testing"
)

// encodeMacros builds a macro packet payload as sent by the MTA.
func encodeMacros(tag byte, names []string, macros Macros) []byte {
	buf := []byte{tag}
	for _, name := range names {
		buf = appendCString(buf, name)
		buf = appendCString(buf, macros[strings.Trim(name, "{}")])
	}
	return buf
}

func TestParseMacros(t *testing.T) {
	payload := encodeMacros(CmdMail, []string{"{mail_addr}", "i", "{auth_type}"}, Macros{
		"mail_addr": "a@example.org",
		"i":         "4Q1x2y",
	})
	tag, macros, err := parseMacros(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tag != CmdMail {
		t.Errorf("unexpected tag %c", tag)
	}
	if macros["mail_addr"] != "a@example.org" || macros.Get("{mail_addr}") != "a@example.org" {
		t.Errorf("braces not stripped: %v", macros)
	}
	if v, ok := macros["auth_type"]; !ok || v != "" {
		t.Errorf("expected empty auth_type macro: %v", macros)
	}
	if macros.Get(MacroQueueID) != "4Q1x2y" {
		t.Errorf("unexpected queue id macro: %v", macros)
	}

	if _, _, err = parseMacros(nil); !errors.Is(err, ErrFraming) {
		t.Errorf("expected framing error for empty macro packet, got %v", err)
	}
}
