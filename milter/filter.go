/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package milter

import (
	"errors"
	"strings"
	"sync"
)

// Stage identifies one SMTP transaction checkpoint. Stages are bit values so
// that sets of stages can be declared with |.
type Stage uint16

const (
	StageConnect Stage = 1 << iota
	StageHelo
	StageMail
	StageRcpt
	StageHeader
	StageEndOfHeaders
	StageData
	StageBody
	StageUnknown
	StageEndOfMessage
	StageAbort
	StageClose
)

var stageNames = map[Stage]string{
	StageConnect:      "connect",
	StageHelo:         "helo",
	StageMail:         "mail",
	StageRcpt:         "rcpt",
	StageHeader:       "header",
	StageEndOfHeaders: "eoh",
	StageData:         "data",
	StageBody:         "body",
	StageUnknown:      "unknown",
	StageEndOfMessage: "eom",
	StageAbort:        "abort",
	StageClose:        "close",
}

func (st Stage) String() string {
	if name, ok := stageNames[st]; ok {
		return name
	}
	var names []string
	for bit := StageConnect; bit <= StageClose; bit <<= 1 {
		if st&bit != 0 {
			names = append(names, stageNames[bit])
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// stageInfo binds a stage to its opcode and its negotiation bits.
type stageInfo struct {
	stage   Stage
	code    byte
	skip    ProtocolFlags // MTA must not send the stage
	noReply ProtocolFlags // filter does not reply to the stage
}

var stageInfos = []stageInfo{
	{StageConnect, CmdConnect, ProtoNoConnect, ProtoNoConnReply},
	{StageHelo, CmdHelo, ProtoNoHelo, ProtoNoHeloReply},
	{StageMail, CmdMail, ProtoNoMail, ProtoNoMailReply},
	{StageRcpt, CmdRcpt, ProtoNoRcpt, ProtoNoRcptReply},
	{StageHeader, CmdHeader, ProtoNoHeaders, ProtoNoHeaderReply},
	{StageEndOfHeaders, CmdEOH, ProtoNoEOH, ProtoNoEOHReply},
	{StageData, CmdData, ProtoNoData, ProtoNoDataReply},
	{StageBody, CmdBody, ProtoNoBody, ProtoNoBodyReply},
	{StageUnknown, CmdUnknown, ProtoNoUnknown, ProtoNoUnknownReply},
	{StageEndOfMessage, CmdEndOfBody, 0, 0},
}

func lookupStage(st Stage) *stageInfo {
	for idx := range stageInfos {
		if stageInfos[idx].stage == st {
			return &stageInfos[idx]
		}
	}
	return nil
}

// Filter declares the callbacks of a milter. A nil stage callback means the
// filter does not want that stage and asks the MTA to skip it. Stages listed
// in NoReply are invoked but never answered.
//
// A Filter must not be modified once it was used to create a Session.
type Filter struct {
	Connect      func(s *Session, hostname string, family Family, port uint16, address string, macros Macros) (Response, error)
	Helo         func(s *Session, name string, macros Macros) (Response, error)
	MailFrom     func(s *Session, from string, macros Macros) (Response, error)
	RcptTo       func(s *Session, rcpt string, macros Macros) (Response, error)
	Header       func(s *Session, name string, value string, macros Macros) (Response, error)
	EndOfHeaders func(s *Session, macros Macros) (Response, error)
	Data         func(s *Session, macros Macros) (Response, error)
	Body         func(s *Session, chunk []byte, macros Macros) (Response, error)
	Unknown      func(s *Session, command string, macros Macros) (Response, error)

	// EndOfMessage is required. Modifications are only valid from here.
	EndOfMessage func(s *Session, macros Macros) (Response, error)

	Abort func(s *Session)
	Close func(s *Session)

	NoReply  Stage
	Actions  ActionFlags
	Protocol ProtocolFlags

	capsOnce sync.Once
	caps     CapabilityTable
}

var errMissingEndOfMessage = errors.New("milter: filter has no EndOfMessage callback")

// Validate checks that the filter can be served.
func (f *Filter) Validate() error {
	if f == nil || f.EndOfMessage == nil {
		return errMissingEndOfMessage
	}
	return nil
}

func (f *Filter) has(st Stage) bool {
	switch st {
	case StageConnect:
		return f.Connect != nil
	case StageHelo:
		return f.Helo != nil
	case StageMail:
		return f.MailFrom != nil
	case StageRcpt:
		return f.RcptTo != nil
	case StageHeader:
		return f.Header != nil
	case StageEndOfHeaders:
		return f.EndOfHeaders != nil
	case StageData:
		return f.Data != nil
	case StageBody:
		return f.Body != nil
	case StageUnknown:
		return f.Unknown != nil
	case StageEndOfMessage:
		return f.EndOfMessage != nil
	}
	return false
}

// Capabilities returns the capability table of the filter. It is computed on
// first use and read-only afterwards.
func (f *Filter) Capabilities() CapabilityTable {
	f.capsOnce.Do(func() {
		f.caps = buildCapabilities(f)
	})
	return f.caps
}

// CapabilityTable is the static per filter record of supplied callbacks,
// no-reply stages and the resulting flags to offer during negotiation.
type CapabilityTable struct {
	Callbacks  Stage
	NoReply    Stage
	Actions    ActionFlags
	Protocol   ProtocolFlags
	MinVersion uint32
}

func buildCapabilities(f *Filter) CapabilityTable {
	caps := CapabilityTable{
		Actions:    f.Actions,
		Protocol:   f.Protocol,
		MinVersion: VersionMin,
	}
	if caps.Actions&ActionsV6 != 0 || caps.Protocol&ProtocolsV6 != 0 {
		caps.MinVersion = VersionMax
	}

	for _, info := range stageInfos {
		if !f.has(info.stage) {
			caps.Protocol |= info.skip
			continue
		}
		caps.Callbacks |= info.stage
		if f.NoReply&info.stage != 0 && info.noReply != 0 {
			caps.NoReply |= info.stage
			caps.Protocol |= info.noReply
			caps.MinVersion = VersionNoReply
		}
	}

	return caps
}

// HasCallback reports whether the filter supplies a callback for st.
func (c CapabilityTable) HasCallback(st Stage) bool {
	return c.Callbacks&st != 0
}

// IsNoReply reports whether st was declared no-reply.
func (c CapabilityTable) IsNoReply(st Stage) bool {
	return c.NoReply&st != 0
}
