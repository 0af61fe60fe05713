/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package filter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSBL checks addresses against DNS block lists.
type DNSBL struct {
	zones       []string
	nameservers []string
	client      *dns.Client
}

var errNoNameservers = errors.New("no nameservers configured")

// NewDNSBL creates a checker for zones using nameservers (host:port). Without
// nameservers the ones from /etc/resolv.conf are used.
func NewDNSBL(zones []string, nameservers []string, timeout time.Duration) (*DNSBL, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if len(nameservers) == 0 {
		config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("failed to read resolver config: %w", err)
		}
		for _, server := range config.Servers {
			nameservers = append(nameservers, net.JoinHostPort(server, config.Port))
		}
	}
	if len(nameservers) == 0 {
		return nil, errNoNameservers
	}

	normalized := make([]string, 0, len(zones))
	for _, zone := range zones {
		zone = strings.Trim(strings.TrimSpace(zone), ".")
		if zone != "" {
			normalized = append(normalized, zone)
		}
	}

	return &DNSBL{
		zones:       normalized,
		nameservers: nameservers,
		client: &dns.Client{
			Timeout: timeout,
		},
	}, nil
}

// Listing is a positive block list result.
type Listing struct {
	Zone   string
	Answer string
	Reason string
}

// Lookup queries all zones for ip and returns the first listing, nil when
// ip is not listed anywhere.
func (d *DNSBL) Lookup(ctx context.Context, ip net.IP) (*Listing, error) {
	reversed, err := reverseIP(ip)
	if err != nil {
		return nil, err
	}

	for _, zone := range d.zones {
		name := dns.Fqdn(reversed + "." + zone)
		answer, err := d.query(ctx, name, dns.TypeA)
		if err != nil {
			return nil, fmt.Errorf("dnsbl query %s failed: %w", zone, err)
		}
		if len(answer) == 0 {
			continue
		}

		listing := &Listing{Zone: zone}
		for _, rr := range answer {
			if a, ok := rr.(*dns.A); ok {
				listing.Answer = a.A.String()
				break
			}
		}
		if txt, txtErr := d.query(ctx, name, dns.TypeTXT); txtErr == nil {
			for _, rr := range txt {
				if t, ok := rr.(*dns.TXT); ok {
					listing.Reason = strings.Join(t.Txt, "")
					break
				}
			}
		}
		return listing, nil
	}

	return nil, nil
}

func (d *DNSBL) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range d.nameservers {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, _, err := d.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp.Answer, nil
		case dns.RcodeNameError:
			return nil, nil
		default:
			lastErr = fmt.Errorf("unexpected rcode %s", dns.RcodeToString[resp.Rcode])
		}
	}
	return nil, lastErr
}

// reverseIP returns the DNSBL label sequence for ip: reversed octets for IPv4
// and reversed nibbles for IPv6.
func reverseIP(ip net.IP) (string, error) {
	if ip4 := ip.To4(); ip4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d", ip4[3], ip4[2], ip4[1], ip4[0]), nil
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return "", fmt.Errorf("invalid ip address %v", ip)
	}
	const hexDigits = "0123456789abcdef"
	labels := make([]string, 0, 32)
	for idx := len(ip16) - 1; idx >= 0; idx-- {
		labels = append(labels, string(hexDigits[ip16[idx]&0x0f]), string(hexDigits[ip16[idx]>>4]))
	}
	return strings.Join(labels, "."), nil
}
