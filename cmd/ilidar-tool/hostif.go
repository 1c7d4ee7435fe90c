package main

import (
	"net"

	"github.com/banshee-data/ilidar-tool/internal/resolver"
)

// hostInterfaces enumerates the machine's usable IPv4 interfaces, the
// external-collaborator input resolver.Resolve consumes (spec.md §1
// Non-goals: "Host interface enumeration ... consumes a list of
// (ip, subnet) pairs"). An interface is skipped only if it carries no
// IPv4 address; down interfaces and loopback are left in, matching the
// original tool's unconditional AF_INET enumeration (resolver.Resolve
// itself only warns on loopback, it does not exclude it).
func hostInterfaces() ([]resolver.HostInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var hosts []resolver.HostInterface
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			hosts = append(hosts, resolver.HostInterface{
				IP:     ip4,
				Subnet: ipNet.Mask,
			})
		}
	}
	return hosts, nil
}
