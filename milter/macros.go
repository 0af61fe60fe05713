/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package milter

import (
	"strings"
)

// Macro names with special meaning to the session.
const (
	MacroQueueID  = "i"
	MacroMailAddr = "mail_addr"
	MacroRcptAddr = "rcpt_addr"
)

// Macros holds the name/value pairs the MTA sent for one stage. Names have
// their enclosing braces removed, so "{mail_addr}" is stored as "mail_addr".
type Macros map[string]string

// Get returns the value of name or an empty string.
func (m Macros) Get(name string) string {
	if m == nil {
		return ""
	}
	return m[strings.Trim(name, "{}")]
}

// parseMacros parses a macro packet payload: the tag of the command the macros
// belong to followed by NUL terminated name/value pairs.
func parseMacros(data []byte) (byte, Macros, error) {
	if len(data) == 0 {
		return 0, nil, framingErrorf("empty macro packet")
	}
	tag := data[0]
	macros := make(Macros)

	rest := data[1:]
	for len(rest) > 0 {
		var name, value string
		name, rest = readCString(rest)
		if rest == nil {
			// A trailing name without value.
			macros[strings.Trim(name, "{}")] = ""
			break
		}
		value, rest = readCString(rest)
		macros[strings.Trim(name, "{}")] = value
	}

	return tag, macros, nil
}
