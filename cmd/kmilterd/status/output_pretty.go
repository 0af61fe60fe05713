/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/kmilterd/server"
)

const prettyTemplate = `
{{- WithModeColor (Bold "milter")}}: {{WithModeColor .Listen}}
  {{Bold "mode"}}: {{.Mode}}
  {{Bold "pid"}}: {{.PID}}
  {{Bold "uptime"}}: {{Since .StartedAt}}

{{WithLoadColor (Bold "connections")}}: {{WithLoadColor .ActiveConnections}}
  {{Bold "total"}}: {{.TotalConnections}}
  {{Bold "failed"}}: {{WithFailedColor .FailedConnections}}
  {{- if eq .Mode "reactor"}}
  {{Bold "deferred"}}: {{.DeferredPending}}
  {{- end}}
  {{Bold "sessions"}}:
    {{- if .Sessions}}{{- range .Sessions}}
    - {{.ID}} {{.Remote}} ({{Since .Since}})
    {{- end}}
    {{- else}}
    - none
    {{- end}}
`

func templateFuncs(p termenv.Profile, status *server.Status) template.FuncMap {
	// Define some colors.
	okColor := p.Color("112")
	nokColor := p.Color("196")
	busyColor := p.Color("214")

	// Subset of the helpers in termenv, so we have better control and can turn
	// of all formatting of the terminal supports ASCII only.
	return template.FuncMap{
		"Bold": func(values ...interface{}) string {
			if p == termenv.Ascii {
				// Do not do any bold, if terminal only supports ASCII.
				return values[0].(string)
			}
			s := termenv.String(values[0].(string))
			return s.Bold().String()
		},
		"WithModeColor": func(values ...interface{}) string {
			s := termenv.String(fmt.Sprintf("%v", values[len(values)-1]))
			if status.StartedAt != nil {
				s = s.Foreground(okColor)
			} else {
				s = s.Foreground(nokColor)
			}
			return s.String()
		},
		"WithLoadColor": func(values ...interface{}) string {
			s := termenv.String(fmt.Sprintf("%v", values[len(values)-1]))
			if status.ActiveConnections > 0 {
				s = s.Foreground(busyColor)
			}
			return s.String()
		},
		"WithFailedColor": func(values ...interface{}) string {
			s := termenv.String(fmt.Sprintf("%v", values[len(values)-1]))
			if status.FailedConnections > 0 {
				s = s.Foreground(nokColor)
			}
			return s.String()
		},
		"Since": func(t *time.Time) string {
			if t == nil {
				return "unknown"
			}
			return time.Since(*t).Truncate(time.Second).String()
		},
	}
}

func outputPretty(w io.Writer, status *server.Status) error {
	// Load helpers and template.
	f := templateFuncs(termenv.ColorProfile(), status)
	tpl, err := template.New("tpl").Funcs(f).Parse(prettyTemplate)
	if err != nil {
		panic(err)
	}

	// Render.
	return tpl.Execute(w, status)
}
