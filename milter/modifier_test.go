/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package milter

import (
	"bytes"
	"errors"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

func newModifierSession(t *testing.T, actions ActionFlags) *testSession {
	f := eomOnly()
	f.RcptTo = func(s *Session, rcpt string, m Macros) (Response, error) { return Response{}, nil }
	f.Actions = ActionsAll
	ts := newTestSession(t, f)
	ts.negotiate(6, actions, ProtocolsAll)
	return ts
}

func TestModificationEncodings(t *testing.T) {
	ts := newModifierSession(t, ActionsAll)
	ts.mustFeed(CmdRcpt, []byte("<old@example.org>\x00"))
	ts.replies()

	for _, tc := range []struct {
		name string
		fn   func(s *Session) error
		code byte
		data string
	}{
		{"AddRecipient", func(s *Session) error { return s.AddRecipient("<new@example.org>", "") }, RespCodeAddRcpt, "<new@example.org>\x00"},
		{"AddRecipientWithArgs", func(s *Session) error { return s.AddRecipient("<new@example.org>", "NOTIFY=NEVER") }, RespCodeAddRcptPar, "<new@example.org>\x00NOTIFY=NEVER\x00"},
		{"DeleteRecipient", func(s *Session) error { return s.DeleteRecipient("<old@example.org>") }, RespCodeDelRcpt, "<old@example.org>\x00"},
		{"AddHeader", func(s *Session) error { return s.AddHeader("X-Spam:", "no") }, RespCodeAddHeader, "X-Spam\x00no\x00"},
		{"InsertHeader", func(s *Session) error { return s.InsertHeader(0, "X-First", "1") }, RespCodeInsHeader, "\x00\x00\x00\x00X-First\x001\x00"},
		{"ChangeHeader", func(s *Session) error { return s.ChangeHeader("Subject", "", 2) }, RespCodeChgHeader, "\x00\x00\x00\x02Subject\x00\x00"},
		{"Quarantine", func(s *Session) error { return s.Quarantine("spam") }, RespCodeQuarantine, "spam\x00"},
		{"ChangeSender", func(s *Session) error { return s.ChangeSender("<bounce@example.org>", "") }, RespCodeChgFrom, "<bounce@example.org>\x00\x00"},
		{"SetReply", func(s *Session) error { return s.SetReply(550, smtp.EnhancedCode{5, 7, 1}, "100% spam") }, RespCodeReplyCode, "550 5.7.1 100%% spam\x00"},
		{"SetReplyNoEnhanced", func(s *Session) error { return s.SetReply(451, smtp.EnhancedCodeNotSet, "later") }, RespCodeReplyCode, "451 later\x00"},
		{"SetReplyError", func(s *Session) error {
			return s.SetReplyError(&smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 0, 0}, Message: "no"})
		}, RespCodeReplyCode, "554 5.0.0 no\x00"},
		{"Progress", func(s *Session) error { return s.Progress() }, RespCodeProgress, ""},
	} {
		if err := tc.fn(ts.s); err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		packets := ts.expectReplies(tc.code)
		if string(packets[0].Data) != tc.data {
			t.Errorf("%s: expected %q, got %q", tc.name, tc.data, packets[0].Data)
		}
	}
}

func TestModificationWithoutCapability(t *testing.T) {
	ts := newModifierSession(t, ActionAddHeaders)

	for name, fn := range map[string]func(s *Session) error{
		"AddRecipient":    func(s *Session) error { return s.AddRecipient("<a@example.org>", "") },
		"DeleteRecipient": func(s *Session) error { return s.DeleteRecipient("<a@example.org>") },
		"ReplaceBody":     func(s *Session) error { return s.ReplaceBody([]byte("x")) },
		"ChangeHeader":    func(s *Session) error { return s.ChangeHeader("Subject", "x", 1) },
		"Quarantine":      func(s *Session) error { return s.Quarantine("x") },
		"ChangeSender":    func(s *Session) error { return s.ChangeSender("<a@example.org>", "") },
	} {
		ts.hook.Reset()
		err := fn(ts.s)
		var capErr *CapabilityError
		if !errors.As(err, &capErr) || !errors.Is(err, ErrCapability) {
			t.Fatalf("%s: expected capability error, got %v", name, err)
		}
		if len(ts.replies()) != 0 {
			t.Fatalf("%s: nothing must be sent without capability", name)
		}
		warnings := 0
		for _, entry := range ts.hook.AllEntries() {
			if entry.Level == logrus.WarnLevel {
				warnings++
			}
		}
		if warnings != 1 {
			t.Fatalf("%s: expected one warning, got %d", name, warnings)
		}
	}

	if err := ts.s.AddHeader("X-Ok", "1"); err != nil {
		t.Fatalf("negotiated action failed: %v", err)
	}
	ts.expectReplies(RespCodeAddHeader)
}

func TestAddRecipientCapabilityFollowsArgs(t *testing.T) {
	// Plain recipients only need ADDRCPT.
	ts := newModifierSession(t, ActionAddRcpt)
	if err := ts.s.AddRecipient("<a@example.org>", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts.expectReplies(RespCodeAddRcpt)

	err := ts.s.AddRecipient("<a@example.org>", "NOTIFY=NEVER")
	var capErr *CapabilityError
	if !errors.As(err, &capErr) || capErr.Action != ActionAddRcptWithArgs {
		t.Fatalf("expected capability error for ADDRCPT_PAR, got %v", err)
	}
	if msg := capErr.Error(); msg != "milter: AddRecipient requires action flag 0x80" {
		t.Errorf("unexpected error text %q", msg)
	}
	if len(ts.replies()) != 0 {
		t.Fatal("nothing must be sent without capability")
	}

	// ESMTP args only need ADDRCPT_PAR.
	ts = newModifierSession(t, ActionAddRcptWithArgs)
	if err := ts.s.AddRecipient("<b@example.org>", "NOTIFY=NEVER"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts.expectReplies(RespCodeAddRcptPar)
	if err := ts.s.AddRecipient("<b@example.org>", ""); !errors.Is(err, ErrCapability) {
		t.Fatalf("expected capability error for ADDRCPT, got %v", err)
	}
}

func TestDeleteUnknownRecipient(t *testing.T) {
	ts := newModifierSession(t, ActionsAll)
	ts.mustFeed(CmdRcpt, []byte("<a@example.org>\x00"))
	ts.replies()

	if err := ts.s.DeleteRecipient("<b@example.org>"); err == nil {
		t.Fatal("expected error for unknown recipient")
	}
	if len(ts.replies()) != 0 {
		t.Fatal("nothing must be sent for unknown recipient")
	}
}

func TestReplaceBodySplitsChunks(t *testing.T) {
	ts := newModifierSession(t, ActionsAll)

	body := bytes.Repeat([]byte("a"), maxBodyChunk*2+10)
	if err := ts.s.ReplaceBody(body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	packets := ts.expectReplies(RespCodeReplBody, RespCodeReplBody, RespCodeReplBody)
	if len(packets[0].Data) != maxBodyChunk || len(packets[1].Data) != maxBodyChunk || len(packets[2].Data) != 10 {
		t.Fatalf("unexpected chunk sizes %d %d %d", len(packets[0].Data), len(packets[1].Data), len(packets[2].Data))
	}

	if err := ts.s.ReplaceBody(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts.expectReplies(RespCodeReplBody)
}

func TestSetReplyRejectsInvalidCode(t *testing.T) {
	ts := newModifierSession(t, ActionsAll)
	if err := ts.s.SetReply(250, smtp.EnhancedCodeNotSet, "ok"); err == nil {
		t.Fatal("expected error for 2xx reply code")
	}
}

func TestModificationsAreWrittenBeforeFinalReply(t *testing.T) {
	f := eomOnly()
	f.Actions = ActionAddHeaders | ActionQuarantine
	f.EndOfMessage = func(s *Session, m Macros) (Response, error) {
		if err := s.AddHeader("X-A", "1"); err != nil {
			return Response{}, err
		}
		if err := s.Quarantine("held"); err != nil {
			return Response{}, err
		}
		return RespAccept, nil
	}
	ts := newTestSession(t, f)
	ts.negotiate(6, ActionsAll, ProtocolsAll)
	ts.mustFeed(CmdEndOfBody, nil)
	ts.expectReplies(RespCodeAddHeader, RespCodeQuarantine, RespCodeAccept)
}

func TestModificationAfterClose(t *testing.T) {
	ts := newModifierSession(t, ActionsAll)
	ts.s.Close()
	if err := ts.s.AddHeader("X-A", "1"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
