/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package milter implements the filter side of the Sendmail/Postfix milter
// wire protocol.
package milter

// ActionFlags describes which modifications a filter may request. Negotiated
// as a bitmask with the MTA.
type ActionFlags uint32

const (
	ActionAddHeaders      ActionFlags = 0x01  // SMFIF_ADDHDRS
	ActionChangeBody      ActionFlags = 0x02  // SMFIF_CHGBODY
	ActionAddRcpt         ActionFlags = 0x04  // SMFIF_ADDRCPT
	ActionDelRcpt         ActionFlags = 0x08  // SMFIF_DELRCPT
	ActionChangeHeaders   ActionFlags = 0x10  // SMFIF_CHGHDRS
	ActionQuarantine      ActionFlags = 0x20  // SMFIF_QUARANTINE
	ActionChangeFrom      ActionFlags = 0x40  // SMFIF_CHGFROM [v6]
	ActionAddRcptWithArgs ActionFlags = 0x80  // SMFIF_ADDRCPT_PAR [v6]
	ActionSetSymList      ActionFlags = 0x100 // SMFIF_SETSYMLIST [v6]

	ActionsV2  = ActionAddHeaders | ActionChangeBody | ActionAddRcpt | ActionDelRcpt | ActionChangeHeaders | ActionQuarantine
	ActionsV6  = ActionChangeFrom | ActionAddRcptWithArgs | ActionSetSymList
	ActionsAll = ActionsV2 | ActionsV6
)

// ProtocolFlags describes which stages the MTA should not send and which
// stages the filter will not reply to.
type ProtocolFlags uint32

const (
	ProtoNoConnect       ProtocolFlags = 0x01     // SMFIP_NOCONNECT
	ProtoNoHelo          ProtocolFlags = 0x02     // SMFIP_NOHELO
	ProtoNoMail          ProtocolFlags = 0x04     // SMFIP_NOMAIL
	ProtoNoRcpt          ProtocolFlags = 0x08     // SMFIP_NORCPT
	ProtoNoBody          ProtocolFlags = 0x10     // SMFIP_NOBODY
	ProtoNoHeaders       ProtocolFlags = 0x20     // SMFIP_NOHDRS
	ProtoNoEOH           ProtocolFlags = 0x40     // SMFIP_NOEOH
	ProtoNoHeaderReply   ProtocolFlags = 0x80     // SMFIP_NR_HDR
	ProtoNoUnknown       ProtocolFlags = 0x100    // SMFIP_NOUNKNOWN
	ProtoNoData          ProtocolFlags = 0x200    // SMFIP_NODATA
	ProtoSkip            ProtocolFlags = 0x400    // SMFIP_SKIP [v6]
	ProtoRcptRej         ProtocolFlags = 0x800    // SMFIP_RCPT_REJ [v6]
	ProtoNoConnReply     ProtocolFlags = 0x1000   // SMFIP_NR_CONN [v6]
	ProtoNoHeloReply     ProtocolFlags = 0x2000   // SMFIP_NR_HELO [v6]
	ProtoNoMailReply     ProtocolFlags = 0x4000   // SMFIP_NR_MAIL [v6]
	ProtoNoRcptReply     ProtocolFlags = 0x8000   // SMFIP_NR_RCPT [v6]
	ProtoNoDataReply     ProtocolFlags = 0x10000  // SMFIP_NR_DATA [v6]
	ProtoNoUnknownReply  ProtocolFlags = 0x20000  // SMFIP_NR_UNKN [v6]
	ProtoNoEOHReply      ProtocolFlags = 0x40000  // SMFIP_NR_EOH [v6]
	ProtoNoBodyReply     ProtocolFlags = 0x80000  // SMFIP_NR_BODY [v6]
	ProtoHeaderLeadSpace ProtocolFlags = 0x100000 // SMFIP_HDR_LEADSPC [v6]

	ProtocolsV2  = ProtoNoConnect | ProtoNoHelo | ProtoNoMail | ProtoNoRcpt | ProtoNoBody | ProtoNoHeaders | ProtoNoEOH
	ProtocolsV6  = ProtoNoHeaderReply | ProtoNoUnknown | ProtoNoData | ProtoSkip | ProtoRcptRej | ProtoNoConnReply | ProtoNoHeloReply | ProtoNoMailReply | ProtoNoRcptReply | ProtoNoDataReply | ProtoNoUnknownReply | ProtoNoEOHReply | ProtoNoBodyReply | ProtoHeaderLeadSpace
	ProtocolsAll = ProtocolsV2 | ProtocolsV6
)

// Protocol versions.
const (
	VersionMin     uint32 = 2
	VersionNoReply uint32 = 6 // first version with the SMFIP_NR_* bits
	VersionMax     uint32 = 6
)

// Family is the connect address family tag.
type Family byte

const (
	FamilyUnknown Family = 'U' // SMFIA_UNKNOWN
	FamilyUnix    Family = 'L' // SMFIA_UNIX
	FamilyInet    Family = '4' // SMFIA_INET
	FamilyInet6   Family = '6' // SMFIA_INET6
)

func (f Family) String() string {
	switch f {
	case FamilyUnix:
		return "unix"
	case FamilyInet:
		return "inet"
	case FamilyInet6:
		return "inet6"
	default:
		return "unknown"
	}
}

// Request opcodes sent by the MTA.
const (
	CmdAbort      byte = 'A' // SMFIC_ABORT
	CmdBody       byte = 'B' // SMFIC_BODY
	CmdConnect    byte = 'C' // SMFIC_CONNECT
	CmdMacro      byte = 'D' // SMFIC_MACRO
	CmdEndOfBody  byte = 'E' // SMFIC_BODYEOB
	CmdHelo       byte = 'H' // SMFIC_HELO
	CmdHeader     byte = 'L' // SMFIC_HEADER
	CmdMail       byte = 'M' // SMFIC_MAIL
	CmdEOH        byte = 'N' // SMFIC_EOH
	CmdOptNeg     byte = 'O' // SMFIC_OPTNEG
	CmdQuit       byte = 'Q' // SMFIC_QUIT
	CmdRcpt       byte = 'R' // SMFIC_RCPT
	CmdData       byte = 'T' // SMFIC_DATA
	CmdUnknown    byte = 'U' // SMFIC_UNKNOWN
	CmdQuitNewCon byte = 'K' // SMFIC_QUIT_NC
)

// Response opcodes sent by the filter.
const (
	RespCodeAddRcpt    byte = '+' // SMFIR_ADDRCPT
	RespCodeDelRcpt    byte = '-' // SMFIR_DELRCPT
	RespCodeAddRcptPar byte = '2' // SMFIR_ADDRCPT_PAR
	RespCodeShutdown   byte = '4' // SMFIR_SHUTDOWN
	RespCodeAccept     byte = 'a' // SMFIR_ACCEPT
	RespCodeReplBody   byte = 'b' // SMFIR_REPLBODY
	RespCodeContinue   byte = 'c' // SMFIR_CONTINUE
	RespCodeDiscard    byte = 'd' // SMFIR_DISCARD
	RespCodeChgFrom    byte = 'e' // SMFIR_CHGFROM
	RespCodeConnFail   byte = 'f' // SMFIR_CONN_FAIL
	RespCodeAddHeader  byte = 'h' // SMFIR_ADDHEADER
	RespCodeInsHeader  byte = 'i' // SMFIR_INSHEADER
	RespCodeChgHeader  byte = 'm' // SMFIR_CHGHEADER
	RespCodeProgress   byte = 'p' // SMFIR_PROGRESS
	RespCodeQuarantine byte = 'q' // SMFIR_QUARANTINE
	RespCodeReject     byte = 'r' // SMFIR_REJECT
	RespCodeSkip       byte = 's' // SMFIR_SKIP
	RespCodeTempFail   byte = 't' // SMFIR_TEMPFAIL
	RespCodeReplyCode  byte = 'y' // SMFIR_REPLYCODE
	RespCodeOptNeg     byte = 'O' // SMFIC_OPTNEG, echoed back
)

const (
	// DefaultMaxFrameSize allows the largest data size an MTA may negotiate
	// (1 MiB - 1) plus the opcode byte.
	DefaultMaxFrameSize uint32 = 1024 * 1024

	// DefaultReadChunkSize is the read buffer size of the connection pumps.
	DefaultReadChunkSize = 65536

	maxBodyChunk = 65535
)
