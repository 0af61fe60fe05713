/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package milter

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

// requireAction checks that the action was negotiated. Without it nothing is
// sent and a warning is logged.
func (s *Session) requireAction(op string, action ActionFlags) error {
	if s.actions&action == action {
		return nil
	}
	s.logger.WithFields(logrus.Fields{
		"op":     op,
		"action": fmt.Sprintf("0x%x", uint32(action)),
	}).Warnln("milter modification not negotiated, ignored")
	return &CapabilityError{Op: op, Action: action}
}

func (s *Session) send(code byte, payload []byte) error {
	return s.write(EncodePacket(code, payload))
}

// AddRecipient adds a recipient to the current message. Non-empty ESMTP args
// need the ActionAddRcptWithArgs capability, otherwise ActionAddRcpt.
func (s *Session) AddRecipient(rcpt string, args string) error {
	if args == "" {
		if err := s.requireAction("AddRecipient", ActionAddRcpt); err != nil {
			return err
		}
		return s.send(RespCodeAddRcpt, appendCString(nil, rcpt))
	}

	if err := s.requireAction("AddRecipient", ActionAddRcptWithArgs); err != nil {
		return err
	}
	payload := appendCString(nil, rcpt)
	payload = appendCString(payload, args)
	return s.send(RespCodeAddRcptPar, payload)
}

// DeleteRecipient removes a recipient. When the recipient stage is delivered
// to the filter, rcpt must be one of the recipients seen in this transaction.
func (s *Session) DeleteRecipient(rcpt string) error {
	if err := s.requireAction("DeleteRecipient", ActionDelRcpt); err != nil {
		return err
	}
	if s.caps.HasCallback(StageRcpt) {
		if _, ok := s.rcpts[rcpt]; !ok {
			s.logger.WithField("rcpt", rcpt).Warnln("milter delete of unknown recipient, ignored")
			return fmt.Errorf("milter: recipient %q was not seen in this transaction", rcpt)
		}
		delete(s.rcpts, rcpt)
	}
	return s.send(RespCodeDelRcpt, appendCString(nil, rcpt))
}

// ReplaceBody sends a replacement body chunk. Data larger than the maximum
// body chunk is split. Multiple calls append to the new body.
func (s *Session) ReplaceBody(body []byte) error {
	if err := s.requireAction("ReplaceBody", ActionChangeBody); err != nil {
		return err
	}
	for {
		chunk := body
		if len(chunk) > maxBodyChunk {
			chunk = chunk[:maxBodyChunk]
		}
		if err := s.send(RespCodeReplBody, chunk); err != nil {
			return err
		}
		body = body[len(chunk):]
		if len(body) == 0 {
			return nil
		}
	}
}

// AddHeader appends a header to the message.
func (s *Session) AddHeader(name, value string) error {
	if err := s.requireAction("AddHeader", ActionAddHeaders); err != nil {
		return err
	}
	payload := appendCString(nil, strings.TrimSuffix(name, ":"))
	payload = appendCString(payload, value)
	return s.send(RespCodeAddHeader, payload)
}

// InsertHeader inserts a header at index, 0 being the top of the headers.
func (s *Session) InsertHeader(index uint32, name, value string) error {
	if err := s.requireAction("InsertHeader", ActionAddHeaders); err != nil {
		return err
	}
	return s.send(RespCodeInsHeader, indexedHeader(index, name, value))
}

// ChangeHeader replaces the index-th occurrence (starting at 1) of the named
// header. An empty value deletes the header.
func (s *Session) ChangeHeader(name, value string, index uint32) error {
	if err := s.requireAction("ChangeHeader", ActionChangeHeaders); err != nil {
		return err
	}
	return s.send(RespCodeChgHeader, indexedHeader(index, name, value))
}

func indexedHeader(index uint32, name, value string) []byte {
	payload := make([]byte, 4, 4+len(name)+len(value)+2)
	binary.BigEndian.PutUint32(payload, index)
	payload = appendCString(payload, strings.TrimSuffix(name, ":"))
	return appendCString(payload, value)
}

// Quarantine puts the message into the MTA quarantine with reason.
func (s *Session) Quarantine(reason string) error {
	if err := s.requireAction("Quarantine", ActionQuarantine); err != nil {
		return err
	}
	return s.send(RespCodeQuarantine, appendCString(nil, reason))
}

// ChangeSender replaces the envelope sender. args may be empty.
func (s *Session) ChangeSender(from string, args string) error {
	if err := s.requireAction("ChangeSender", ActionChangeFrom); err != nil {
		return err
	}
	payload := appendCString(nil, from)
	payload = appendCString(payload, args)
	return s.send(RespCodeChgFrom, payload)
}

// SetReply sets the SMTP reply the MTA uses for a following reject or
// tempfail. Percent signs in message are escaped.
func (s *Session) SetReply(code int, enhancedCode smtp.EnhancedCode, message string) error {
	if code < 400 || code > 599 {
		return fmt.Errorf("milter: reply code %d is not a 4xx or 5xx code", code)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d", code)
	if enhancedCode != smtp.EnhancedCodeNotSet && enhancedCode != smtp.NoEnhancedCode {
		fmt.Fprintf(&b, " %d.%d.%d", enhancedCode[0], enhancedCode[1], enhancedCode[2])
	}
	if message != "" {
		b.WriteByte(' ')
		b.WriteString(strings.ReplaceAll(message, "%", "%%"))
	}
	return s.send(RespCodeReplyCode, appendCString(nil, b.String()))
}

// SetReplyError is SetReply for a go-smtp error value.
func (s *Session) SetReplyError(err *smtp.SMTPError) error {
	return s.SetReply(err.Code, err.EnhancedCode, err.Message)
}

// Progress tells the MTA that the filter is still working.
func (s *Session) Progress() error {
	return s.send(RespCodeProgress, nil)
}

// Skip returns the response which tells the MTA to stop sending body chunks.
// Without negotiated skip support it returns a continue response.
func (s *Session) Skip() Response {
	if s.protocol&ProtoSkip == 0 {
		s.logger.Warnln("milter skip not negotiated, continuing instead")
		return RespContinue
	}
	return RespSkip
}
