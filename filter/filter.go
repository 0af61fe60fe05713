/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package filter provides the milter policy served by kmilterd. It rejects
// clients listed in DNS block lists and recipients of blocked domains and
// marks accepted messages with a header.
package filter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kmilterd/milter"
	"stash.kopano.io/kgol/kmilterd/utils"
)

// Defaults.
var (
	DefaultHeaderName    = "X-Kmilterd"
	DefaultLookupTimeout = 5 * time.Second
)

// Config bundles the policy settings.
type Config struct {
	Logger logrus.FieldLogger

	// HeaderName and HeaderValue are added to every accepted message. An
	// empty HeaderValue disables the header.
	HeaderName  string
	HeaderValue string

	RejectDomains []string

	DNSBLZones    []string
	Nameservers   []string
	LookupTimeout time.Duration
}

type policy struct {
	logger logrus.FieldLogger

	headerName  string
	headerValue string

	rejectDomains map[string]struct{}
	dnsbl         *DNSBL
	timeout       time.Duration
}

// New creates the milter filter for config.
func New(config *Config) (*milter.Filter, error) {
	if config.Logger == nil {
		return nil, errors.New("logger must not be nil")
	}

	p := &policy{
		logger: config.Logger.WithField("scope", "filter"),

		headerName:  config.HeaderName,
		headerValue: config.HeaderValue,

		rejectDomains: make(map[string]struct{}),
	}
	if p.headerName == "" {
		p.headerName = DefaultHeaderName
	}
	for _, domain := range config.RejectDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			p.rejectDomains[domain] = struct{}{}
		}
	}

	f := &milter.Filter{
		MailFrom:     p.mailFrom,
		RcptTo:       p.rcptTo,
		EndOfMessage: p.endOfMessage,
		Abort:        p.abort,

		NoReply: milter.StageMail,
	}

	if len(config.DNSBLZones) > 0 {
		timeout := config.LookupTimeout
		if timeout <= 0 {
			timeout = DefaultLookupTimeout
		}
		dnsbl, err := NewDNSBL(config.DNSBLZones, config.Nameservers, timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to set up dnsbl: %w", err)
		}
		p.dnsbl = dnsbl
		p.timeout = timeout
		f.Connect = p.connect
	}
	if p.headerValue != "" {
		f.Actions |= milter.ActionAddHeaders
	}

	p.logger.WithFields(logrus.Fields{
		"dnsbl_zones":    len(config.DNSBLZones),
		"reject_domains": len(p.rejectDomains),
		"header":         p.headerValue != "",
	}).Debugln("filter configured")

	return f, f.Validate()
}

func (p *policy) connect(s *milter.Session, hostname string, family milter.Family, port uint16, address string, macros milter.Macros) (milter.Response, error) {
	if family != milter.FamilyInet && family != milter.FamilyInet6 {
		return milter.RespContinue, nil
	}
	ip := net.ParseIP(strings.Trim(address, "[]"))
	if ip == nil {
		s.Logger().WithField("address", address).Debugln("filter connect address not parseable, skipping dnsbl")
		return milter.RespContinue, nil
	}

	return s.Defer(func() (milter.Response, error) {
		ctx, cancel := context.WithTimeout(s.Context(), p.timeout)
		defer cancel()

		listing, err := p.dnsbl.Lookup(ctx, ip)
		if err != nil {
			// Lookup failures never block mail.
			s.Logger().WithError(err).Warnln("filter dnsbl lookup failed")
			return milter.RespContinue, nil
		}
		if listing == nil {
			return milter.RespContinue, nil
		}

		s.Logger().WithFields(logrus.Fields{
			"client": hostname,
			"ip":     ip.String(),
			"zone":   listing.Zone,
			"answer": listing.Answer,
			"reason": listing.Reason,
		}).Infoln("filter rejecting listed client")

		message := fmt.Sprintf("Client host [%s] blocked using %s", ip, listing.Zone)
		if replyErr := s.SetReply(554, smtp.EnhancedCode{5, 7, 1}, message); replyErr != nil {
			return milter.Response{}, replyErr
		}
		return milter.RespReject, nil
	})
}

func (p *policy) mailFrom(s *milter.Session, from string, macros milter.Macros) (milter.Response, error) {
	s.Logger().WithFields(logrus.Fields{
		"from":     utils.StripAngleBrackets(from),
		"queue_id": s.QueueID(),
	}).Debugln("filter mail from")
	return milter.RespContinue, nil
}

func (p *policy) rcptTo(s *milter.Session, rcpt string, macros milter.Macros) (milter.Response, error) {
	if len(p.rejectDomains) == 0 {
		return milter.RespContinue, nil
	}

	address := utils.StripAngleBrackets(rcpt)
	domain, err := utils.GetDomainFromEmail(address)
	if err != nil {
		// Local recipients without domain are not ours to judge.
		return milter.RespContinue, nil
	}
	if _, blocked := p.rejectDomains[strings.ToLower(domain)]; !blocked {
		return milter.RespContinue, nil
	}

	s.Logger().WithField("rcpt", address).Infoln("filter rejecting recipient of blocked domain")
	if err = s.SetReplyError(&smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Recipient domain " + domain + " is not accepted",
	}); err != nil {
		return milter.Response{}, err
	}
	return milter.RespReject, nil
}

func (p *policy) endOfMessage(s *milter.Session, macros milter.Macros) (milter.Response, error) {
	if p.headerValue != "" && s.Actions()&milter.ActionAddHeaders != 0 {
		if err := s.AddHeader(p.headerName, p.headerValue); err != nil {
			return milter.Response{}, err
		}
	}
	return milter.RespAccept, nil
}

func (p *policy) abort(s *milter.Session) {
	s.Logger().Debugln("filter transaction aborted")
}
