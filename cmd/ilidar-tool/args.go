package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/banshee-data/ilidar-tool/internal/fleet"
	"github.com/banshee-data/ilidar-tool/internal/resolver"
)

// stringSliceFlag accumulates repeated occurrences of a flag, matching
// the original tool's nargs='+' sender/sender_ip/sender_port options.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// parseTargets turns the CLI's whitespace-separated target tokens
// (already split by the shell into one flag.Arg per token) into the
// fleet.Target list C4/C5/C6/C7 consume, per spec.md §6's target
// grammar: "all" or a mix of IPv4 addresses and decimal serials in
// [0, 65535].
func parseTargets(tokens []string) ([]fleet.Target, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no targets given")
	}
	if len(tokens) == 1 && strings.EqualFold(tokens[0], "all") {
		return []fleet.Target{fleet.AllSensors()}, nil
	}

	targets := make([]fleet.Target, 0, len(tokens))
	for _, tok := range tokens {
		if strings.EqualFold(tok, "all") {
			return nil, fmt.Errorf("%q cannot be combined with other targets", tok)
		}
		if ip := net.ParseIP(tok); ip != nil && ip.To4() != nil {
			targets = append(targets, fleet.ByIP(ip.To4()))
			continue
		}
		sn, err := strconv.Atoi(tok)
		if err != nil || sn < 0 || sn > 65535 {
			return nil, fmt.Errorf("invalid target %q: must be an IPv4 address or a serial in [0, 65535]", tok)
		}
		targets = append(targets, fleet.BySerial(uint16(sn)))
	}
	return targets, nil
}

// parseSenderToken parses one `--sender ip:port` token.
func parseSenderToken(tok string) (resolver.SenderOption, error) {
	host, portStr, err := net.SplitHostPort(tok)
	if err != nil {
		return resolver.SenderOption{}, fmt.Errorf("invalid --sender token %q: %w", tok, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return resolver.SenderOption{}, fmt.Errorf("invalid --sender token %q: not an IPv4 address", tok)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return resolver.SenderOption{}, fmt.Errorf("invalid --sender token %q: bad port", tok)
	}
	return resolver.SenderOption{IP: ip.To4(), Port: port}, nil
}

// networkOptions builds a resolver.Options from the raw repeated flag
// values, per spec.md §6's Options contract.
func networkOptions(senderTokens, senderIPTokens, senderPortTokens []string) (resolver.Options, error) {
	var opts resolver.Options
	for _, tok := range senderTokens {
		s, err := parseSenderToken(tok)
		if err != nil {
			return resolver.Options{}, err
		}
		opts.Sender = append(opts.Sender, s)
	}
	for _, tok := range senderIPTokens {
		ip := net.ParseIP(tok)
		if ip == nil || ip.To4() == nil {
			return resolver.Options{}, fmt.Errorf("invalid --sender_ip %q: not an IPv4 address", tok)
		}
		opts.SenderIPs = append(opts.SenderIPs, ip.To4())
	}
	for _, tok := range senderPortTokens {
		port, err := strconv.Atoi(tok)
		if err != nil || port < 0 || port > 65535 {
			return resolver.Options{}, fmt.Errorf("invalid --sender_port %q", tok)
		}
		opts.SenderPorts = append(opts.SenderPorts, port)
	}
	return opts, nil
}
