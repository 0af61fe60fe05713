/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package milter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/lithammer/shortuuid/v3"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kmilterd/internal/utils"
)

type sessionState int

const (
	stateNegotiating sessionState = iota
	stateActive
	stateClosed
)

func (st sessionState) String() string {
	switch st {
	case stateNegotiating:
		return "negotiating"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

// Session is the protocol engine of one MTA connection. Feed passes received
// bytes in, replies are written to the writer given to NewSession.
//
// A Session is driven by a single goroutine. Only Close and the modification
// methods may be called from elsewhere.
type Session struct {
	ctx    context.Context
	id     string
	logger logrus.FieldLogger

	filter *Filter
	caps   CapabilityTable

	w       io.Writer
	writeMu sync.Mutex

	decoder    *Decoder
	deferrer   Deferrer
	packetHook func(*Packet)

	state     sessionState
	closed    utils.AtomicBool
	closeOnce sync.Once

	mtaVersion  uint32
	mtaActions  ActionFlags
	mtaProtocol ProtocolFlags

	version  uint32
	actions  ActionFlags
	protocol ProtocolFlags

	queueID string
	macros  map[byte]Macros
	rcpts   map[string]struct{}
	current Stage
}

// SessionOption configures optional Session settings.
type SessionOption func(*Session)

// WithContext sets the context returned by Session.Context.
func WithContext(ctx context.Context) SessionOption {
	return func(s *Session) {
		s.ctx = ctx
	}
}

// WithLogger sets the logger. Session scope fields are added to it.
func WithLogger(logger logrus.FieldLogger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithID overrides the generated session id.
func WithID(id string) SessionOption {
	return func(s *Session) {
		s.id = id
	}
}

// WithMaxFrameSize sets the largest accepted frame.
func WithMaxFrameSize(size uint32) SessionOption {
	return func(s *Session) {
		s.decoder = NewDecoder(size)
	}
}

// WithDeferrer makes Session.Defer hand work to d instead of running it in
// place.
func WithDeferrer(d Deferrer) SessionOption {
	return func(s *Session) {
		s.deferrer = d
	}
}

// WithPacketHook registers fn to be called for every received packet.
func WithPacketHook(fn func(*Packet)) SessionOption {
	return func(s *Session) {
		s.packetHook = fn
	}
}

// NewSession creates the engine for one connection in the negotiating state.
func NewSession(filter *Filter, w io.Writer, opts ...SessionOption) (*Session, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		ctx:    context.Background(),
		id:     shortuuid.New(),
		filter: filter,
		caps:   filter.Capabilities(),
		w:      w,

		macros: make(map[byte]Macros),
		rcpts:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.decoder == nil {
		s.decoder = NewDecoder(0)
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	s.logger = s.logger.WithFields(logrus.Fields{
		"scope":      "milter",
		"session_id": s.id,
	})

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Context returns the session context.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Logger returns the session logger.
func (s *Session) Logger() logrus.FieldLogger {
	return s.logger
}

// QueueID returns the MTA queue id of the current transaction, if known.
func (s *Session) QueueID() string {
	return s.queueID
}

// MTAVersion returns the protocol version the MTA announced.
func (s *Session) MTAVersion() uint32 {
	return s.mtaVersion
}

// Version returns the negotiated protocol version.
func (s *Session) Version() uint32 {
	return s.version
}

// Actions returns the negotiated action flags.
func (s *Session) Actions() ActionFlags {
	return s.actions
}

// Protocol returns the negotiated protocol flags.
func (s *Session) Protocol() ProtocolFlags {
	return s.protocol
}

// Closed reports whether the session has reached its terminal state.
func (s *Session) Closed() bool {
	return s.closed.IsSet()
}

// Feed decodes buf and dispatches every completed packet in order. Any
// returned error is fatal and the caller must close the connection.
func (s *Session) Feed(buf []byte) error {
	if s.closed.IsSet() {
		return ErrSessionClosed
	}

	packets, decodeErr := s.decoder.Decode(buf)
	for _, p := range packets {
		if s.closed.IsSet() {
			// Data after quit is ignored.
			return nil
		}
		if err := s.dispatch(p); err != nil {
			return err
		}
	}
	if decodeErr != nil {
		s.logger.WithError(decodeErr).Debugln("milter frame decode failed")
	}
	return decodeErr
}

// Close moves the session to its terminal state and runs the close callback.
// It is safe to call Close multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.SetTrue()
		s.state = stateClosed
		if s.filter.Close == nil {
			return
		}
		if err := s.safeCall(StageClose, func() error {
			s.filter.Close(s)
			return nil
		}); err != nil {
			s.logger.WithError(err).Errorln("milter close callback failed")
		}
	})
}

func (s *Session) dispatch(p *Packet) error {
	if s.packetHook != nil {
		s.packetHook(p)
	}

	switch p.Code {
	case CmdQuit, CmdQuitNewCon:
		s.logger.Debugln("milter quit")
		s.Close()
		return nil
	}

	if s.state == stateNegotiating {
		if p.Code == CmdOptNeg {
			return s.negotiate(p.Data)
		}
		return &UnsupportedStageError{Code: p.Code}
	}

	switch p.Code {
	case CmdMacro:
		return s.storeMacros(p.Data)
	case CmdAbort:
		return s.abort()
	}

	handler, ok := stageHandlers[p.Code]
	if !ok {
		return &UnsupportedStageError{Code: p.Code}
	}
	return s.runStage(handler, p.Data)
}

func (s *Session) negotiate(data []byte) error {
	if len(data) < 12 {
		return framingErrorf("option negotiation payload has %d bytes", len(data))
	}
	s.mtaVersion = binary.BigEndian.Uint32(data[0:4])
	s.mtaActions = ActionFlags(binary.BigEndian.Uint32(data[4:8]))
	s.mtaProtocol = ProtocolFlags(binary.BigEndian.Uint32(data[8:12]))

	if s.mtaVersion < VersionMin {
		return fmt.Errorf("%w: MTA protocol version %d is not supported", ErrNegotiation, s.mtaVersion)
	}

	s.version = s.mtaVersion
	if s.version > VersionMax {
		s.version = VersionMax
	}
	if s.version < s.caps.MinVersion {
		s.logger.WithFields(logrus.Fields{
			"mta_version":      s.mtaVersion,
			"required_version": s.caps.MinVersion,
		}).Warnln("MTA protocol version is lower than required by filter, some features will not work")
	}

	s.actions = s.mtaActions & s.caps.Actions
	s.protocol = s.mtaProtocol & s.caps.Protocol

	if missing := s.caps.Actions &^ s.actions; missing != 0 {
		s.logger.WithField("actions", fmt.Sprintf("0x%x", uint32(missing))).Debugln("MTA did not agree to all requested actions")
	}

	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], s.version)
	binary.BigEndian.PutUint32(payload[4:8], uint32(s.actions))
	binary.BigEndian.PutUint32(payload[8:12], uint32(s.protocol))

	s.state = stateActive
	s.logger.WithFields(logrus.Fields{
		"version":  s.version,
		"actions":  fmt.Sprintf("0x%x", uint32(s.actions)),
		"protocol": fmt.Sprintf("0x%x", uint32(s.protocol)),
	}).Debugln("milter negotiated")

	return s.write(EncodePacket(RespCodeOptNeg, payload))
}

func (s *Session) storeMacros(data []byte) error {
	tag, macros, err := parseMacros(data)
	if err != nil {
		return err
	}
	s.macros[tag] = macros
	return nil
}

// takeMacros returns and forgets the macros stored for code.
func (s *Session) takeMacros(code byte) Macros {
	macros, ok := s.macros[code]
	if !ok {
		return Macros{}
	}
	delete(s.macros, code)
	if queueID, ok := macros[MacroQueueID]; ok && queueID != "" {
		s.queueID = queueID
	}
	return macros
}

func (s *Session) abort() error {
	s.logger.WithField("queue_id", s.queueID).Debugln("milter abort")

	s.queueID = ""
	s.macros = make(map[byte]Macros)
	s.rcpts = make(map[string]struct{})

	if s.filter.Abort == nil {
		return nil
	}
	return s.safeCall(StageAbort, func() error {
		s.filter.Abort(s)
		return nil
	})
}

type stageHandler struct {
	*stageInfo
	invoke func(s *Session, data []byte, macros Macros) (Response, error)
}

var stageHandlers = map[byte]*stageHandler{
	CmdConnect:   {lookupStage(StageConnect), (*Session).onConnect},
	CmdHelo:      {lookupStage(StageHelo), (*Session).onHelo},
	CmdMail:      {lookupStage(StageMail), (*Session).onMail},
	CmdRcpt:      {lookupStage(StageRcpt), (*Session).onRcpt},
	CmdHeader:    {lookupStage(StageHeader), (*Session).onHeader},
	CmdEOH:       {lookupStage(StageEndOfHeaders), (*Session).onEndOfHeaders},
	CmdData:      {lookupStage(StageData), (*Session).onData},
	CmdBody:      {lookupStage(StageBody), (*Session).onBody},
	CmdUnknown:   {lookupStage(StageUnknown), (*Session).onUnknown},
	CmdEndOfBody: {lookupStage(StageEndOfMessage), (*Session).onEndOfMessage},
}

func (s *Session) runStage(h *stageHandler, data []byte) error {
	macros := s.takeMacros(h.code)

	if !s.caps.HasCallback(h.stage) {
		if s.protocol&h.skip != 0 {
			s.logger.WithField("stage", h.stage).Debugln("milter stage sent although skipped")
			return nil
		}
		return s.write(RespContinue.Bytes())
	}

	var resp Response
	if err := s.safeCall(h.stage, func() error {
		var cbErr error
		resp, cbErr = h.invoke(s, data, macros)
		return cbErr
	}); err != nil {
		if errors.Is(err, ErrCallback) {
			s.logger.WithError(err).WithField("stage", h.stage).Errorln("milter callback failed")
		}
		return err
	}

	return s.reply(h.stageInfo, resp)
}

// reply sends resp for the stage unless the stage was negotiated no-reply or
// the reply was deferred.
func (s *Session) reply(info *stageInfo, resp Response) error {
	if resp.deferred {
		return nil
	}
	if info.noReply != 0 && s.protocol&info.noReply != 0 {
		if resp.code != 0 && resp.code != RespCodeContinue {
			s.logger.WithFields(logrus.Fields{
				"stage": info.stage,
				"code":  string(resp.code),
			}).Warnln("milter response dropped for no-reply stage")
		}
		return nil
	}
	if resp.code == RespCodeSkip && s.protocol&ProtoSkip == 0 {
		resp = RespContinue
	}
	return s.write(resp.Bytes())
}

// safeCall runs fn and turns a returned error or a panic into a CallbackError.
func (s *Session) safeCall(st Stage, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Stage: st, Err: fmt.Errorf("panic: %v", r)}
		}
		s.current = 0
	}()

	s.current = st
	if cbErr := fn(); cbErr != nil {
		var framingErr *FramingError
		if errors.As(cbErr, &framingErr) {
			return cbErr
		}
		return &CallbackError{Stage: st, Err: cbErr}
	}
	return nil
}

func (s *Session) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.IsSet() {
		return ErrSessionClosed
	}
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("milter write failed: %w", err)
	}
	return nil
}

func (s *Session) onConnect(data []byte, macros Macros) (Response, error) {
	hostname, rest := readCString(data)
	if len(rest) < 1 {
		return Response{}, framingErrorf("connect payload without family")
	}
	family := Family(rest[0])
	var port uint16
	var address string
	if family != FamilyUnknown {
		if len(rest) < 3 {
			return Response{}, framingErrorf("connect payload without port")
		}
		port = binary.BigEndian.Uint16(rest[1:3])
		address, _ = readCString(rest[3:])
	}
	return s.filter.Connect(s, hostname, family, port, address, macros)
}

func (s *Session) onHelo(data []byte, macros Macros) (Response, error) {
	name, _ := readCString(data)
	return s.filter.Helo(s, name, macros)
}

func (s *Session) onMail(data []byte, macros Macros) (Response, error) {
	from, _ := readCString(data)
	if from == "" {
		from = macros.Get(MacroMailAddr)
	}
	// A new transaction starts.
	s.rcpts = make(map[string]struct{})
	return s.filter.MailFrom(s, from, macros)
}

func (s *Session) onRcpt(data []byte, macros Macros) (Response, error) {
	rcpt, _ := readCString(data)
	if rcpt == "" {
		rcpt = macros.Get(MacroRcptAddr)
	}
	s.rcpts[rcpt] = struct{}{}
	return s.filter.RcptTo(s, rcpt, macros)
}

func (s *Session) onHeader(data []byte, macros Macros) (Response, error) {
	name, rest := readCString(data)
	if rest == nil {
		return Response{}, framingErrorf("header payload without value")
	}
	value, rest := readCString(rest)
	if len(rest) > 0 {
		return Response{}, framingErrorf("header payload has %d bytes of trailing data", len(rest))
	}
	return s.filter.Header(s, name, value, macros)
}

func (s *Session) onEndOfHeaders(data []byte, macros Macros) (Response, error) {
	return s.filter.EndOfHeaders(s, macros)
}

func (s *Session) onData(data []byte, macros Macros) (Response, error) {
	return s.filter.Data(s, macros)
}

func (s *Session) onBody(data []byte, macros Macros) (Response, error) {
	return s.filter.Body(s, data, macros)
}

func (s *Session) onUnknown(data []byte, macros Macros) (Response, error) {
	command, _ := readCString(data)
	return s.filter.Unknown(s, command, macros)
}

func (s *Session) onEndOfMessage(data []byte, macros Macros) (Response, error) {
	return s.filter.EndOfMessage(s, macros)
}
