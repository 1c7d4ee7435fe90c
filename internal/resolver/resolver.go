// Package resolver derives the set of active Endpoints from host
// interfaces and user-supplied sender options, per spec.md §4.3.
//
// Host interface enumeration itself is an external-collaborator concern
// (spec.md §1 Non-goals); this package consumes a []HostInterface that
// the CLI layer builds from the OS.
package resolver

import (
	"fmt"
	"net"

	"github.com/banshee-data/ilidar-tool/internal/network"
)

// HostInterface is one usable host IPv4 interface, as enumerated by an
// external collaborator.
type HostInterface struct {
	IP     net.IP
	Subnet net.IPMask
}

// SenderOption is a parsed `--sender ip:port` token.
type SenderOption struct {
	IP   net.IP
	Port int
}

// Options captures the three resolution rules' inputs (spec.md §4.3).
type Options struct {
	// Sender holds parsed `--sender ip:port` tokens (rule 2).
	Sender []SenderOption
	// SenderIPs / SenderPorts hold `--sender_ip` / `--sender_port`
	// values for the Cartesian-product rule (rule 3).
	SenderIPs   []net.IP
	SenderPorts []int
}

// Broadcast derives the broadcast address for ip within mask:
// broadcast = ip | ~mask.
func Broadcast(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	out := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		out[i] = ip4[i] | ^mask[i]
	}
	return out
}

func isLoopback(ip net.IP) bool {
	return ip.IsLoopback()
}

func findHost(hosts []HostInterface, ip net.IP) (HostInterface, bool) {
	for _, h := range hosts {
		if h.IP.Equal(ip) {
			return h, true
		}
	}
	return HostInterface{}, false
}

// Resolve produces the Endpoint set per spec.md §4.3's three rules, in
// order:
//
//  1. No option: one endpoint per host IP, dest_ports = {7256}.
//  2. --sender ip:port: one endpoint per token; ip must be a host IP.
//  3. --sender_ip / --sender_port: Cartesian product, falling back to
//     host IPs or {7256} respectively when one side is absent.
//
// Aborts if the host IP list is empty. Loopback binds are permitted but
// logged by the caller (warnings are a CLI/logging concern, not this
// package's).
func Resolve(hosts []HostInterface, opts Options) ([]network.EndpointConfig, []string, error) {
	if len(hosts) == 0 {
		return nil, nil, fmt.Errorf("resolver: empty host interface list")
	}

	var warnings []string
	for _, h := range hosts {
		if isLoopback(h.IP) {
			warnings = append(warnings, fmt.Sprintf("binding to loopback interface %s", h.IP))
		}
	}

	switch {
	case len(opts.Sender) > 0:
		return resolveSenderTokens(hosts, opts.Sender, warnings)
	case len(opts.SenderIPs) > 0 || len(opts.SenderPorts) > 0:
		return resolveCartesian(hosts, opts, warnings)
	default:
		return resolveDefault(hosts), warnings, nil
	}
}

func resolveDefault(hosts []HostInterface) []network.EndpointConfig {
	out := make([]network.EndpointConfig, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, network.EndpointConfig{
			BindIP:    h.IP,
			DestPorts: []int{network.DefaultDataPort},
			Subnet:    net.IP(h.Subnet),
			Broadcast: Broadcast(h.IP, h.Subnet),
		})
	}
	return out
}

func resolveSenderTokens(hosts []HostInterface, tokens []SenderOption, warnings []string) ([]network.EndpointConfig, []string, error) {
	out := make([]network.EndpointConfig, 0, len(tokens))
	for _, tok := range tokens {
		if tok.Port < 0 || tok.Port > 65535 {
			return nil, warnings, fmt.Errorf("resolver: sender port %d out of range [0,65535]", tok.Port)
		}
		h, ok := findHost(hosts, tok.IP)
		if !ok {
			return nil, warnings, fmt.Errorf("resolver: sender ip %s is not a host interface", tok.IP)
		}
		out = append(out, network.EndpointConfig{
			BindIP:    h.IP,
			DestPorts: []int{tok.Port},
			Subnet:    net.IP(h.Subnet),
			Broadcast: Broadcast(h.IP, h.Subnet),
		})
	}
	return out, warnings, nil
}

func resolveCartesian(hosts []HostInterface, opts Options, warnings []string) ([]network.EndpointConfig, []string, error) {
	ips := opts.SenderIPs
	if len(ips) == 0 {
		for _, h := range hosts {
			ips = append(ips, h.IP)
		}
	}
	ports := opts.SenderPorts
	if len(ports) == 0 {
		ports = []int{network.DefaultDataPort}
	}

	byIP := map[string][]int{}
	order := make([]string, 0, len(ips))
	for _, ip := range ips {
		h, ok := findHost(hosts, ip)
		if !ok {
			return nil, warnings, fmt.Errorf("resolver: sender_ip %s is not a host interface", ip)
		}
		key := h.IP.String()
		if _, seen := byIP[key]; !seen {
			order = append(order, key)
		}
		byIP[key] = ports
	}

	out := make([]network.EndpointConfig, 0, len(order))
	for _, key := range order {
		h, _ := findHost(hosts, net.ParseIP(key))
		out = append(out, network.EndpointConfig{
			BindIP:    h.IP,
			DestPorts: byIP[key],
			Subnet:    net.IP(h.Subnet),
			Broadcast: Broadcast(h.IP, h.Subnet),
		})
	}
	return out, warnings, nil
}

// IsInSubnet reports whether target belongs to the subnet bound at
// bindIP with mask, matching spec.md §8's endpoint-coverage property
// (`is_in_subnet`).
func IsInSubnet(target, bindIP net.IP, mask net.IPMask) bool {
	t4, b4 := target.To4(), bindIP.To4()
	if t4 == nil || b4 == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if t4[i]&mask[i] != b4[i]&mask[i] {
			return false
		}
	}
	return true
}

// SelectEndpoint returns the endpoint whose subnet contains target, or
// false if none matches.
func SelectEndpoint(endpoints []network.EndpointConfig, target net.IP) (network.EndpointConfig, bool) {
	for _, ep := range endpoints {
		if IsInSubnet(target, ep.BindIP, net.IPMask(ep.Subnet)) {
			return ep, true
		}
	}
	return network.EndpointConfig{}, false
}
