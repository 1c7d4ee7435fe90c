// Package network implements the per-interface UDP transport: one
// broadcast-enabled config socket per endpoint plus one data socket per
// configured destination port, with non-blocking polling.
package network

import (
	"context"
	"fmt"
	"log"
	"net"
	"syscall"
	"time"
)

const (
	// ConfigPort is the host-side port used for all outbound unicast
	// and broadcast sends.
	ConfigPort = 7257
	// DefaultDataPort is the destination port sensors send responses
	// to when not otherwise configured.
	DefaultDataPort = 7256
	// SensorCommandPort is the port sensors listen on for commands.
	SensorCommandPort = 4906

	// minRecvBufBytes is the minimum socket receive buffer requested
	// for data sockets, per spec.md §4.2 ("large send/recv buffers
	// (>= 16 MiB)").
	minRecvBufBytes = 16 * 1024 * 1024

	// maxDatagramSize: datagrams exceeding this are truncated and
	// discarded, per spec.md §4.2.
	maxDatagramSize = 2000

	pollInterval = 10 * time.Millisecond
)

// EndpointConfig describes one bound host interface.
type EndpointConfig struct {
	BindIP    net.IP
	DestPorts []int
	Subnet    net.IP
	Broadcast net.IP
}

// Endpoint owns a config socket and one data socket per dest port for a
// single host interface.
type Endpoint struct {
	cfg  EndpointConfig
	conf *net.UDPConn
	data []*net.UDPConn
}

// reuseAddrListenConfig returns a net.ListenConfig whose Control hook sets
// SO_REUSEADDR before bind, and additionally SO_BROADCAST when broadcast is
// true. Go's net.UDPConn exposes neither option directly, so both must be
// set on the raw fd via syscall.SetsockoptInt, matching
// original_source/ilidar-tool.py's socket.setsockopt calls for the config
// socket (SO_REUSEADDR + SO_BROADCAST) and data sockets (SO_REUSEADDR).
func reuseAddrListenConfig(broadcast bool) *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
					return
				}
				if broadcast {
					if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1); err != nil {
						sockErr = fmt.Errorf("set SO_BROADCAST: %w", err)
						return
					}
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

// Open binds the config socket (broadcast-enabled) and one data socket
// per dest port. All sockets are closed if any bind fails.
func Open(cfg EndpointConfig) (*Endpoint, error) {
	confPC, err := reuseAddrListenConfig(true).ListenPacket(context.Background(), "udp4", fmt.Sprintf("%s:%d", cfg.BindIP, ConfigPort))
	if err != nil {
		return nil, fmt.Errorf("bind config socket on %s:%d: %w", cfg.BindIP, ConfigPort, err)
	}
	confConn := confPC.(*net.UDPConn)
	if err := confConn.SetWriteBuffer(minRecvBufBytes); err != nil {
		log.Printf("network: failed to set config socket write buffer on %s: %v", cfg.BindIP, err)
	}

	ep := &Endpoint{cfg: cfg, conf: confConn}

	for _, port := range cfg.DestPorts {
		pc, err := reuseAddrListenConfig(false).ListenPacket(context.Background(), "udp4", fmt.Sprintf("%s:%d", cfg.BindIP, port))
		if err != nil {
			ep.Close()
			return nil, fmt.Errorf("bind data socket on %s:%d: %w", cfg.BindIP, port, err)
		}
		conn := pc.(*net.UDPConn)
		if err := conn.SetReadBuffer(minRecvBufBytes); err != nil {
			log.Printf("network: failed to set data socket read buffer on %s:%d: %v", cfg.BindIP, port, err)
		}
		if err := conn.SetWriteBuffer(minRecvBufBytes); err != nil {
			log.Printf("network: failed to set data socket write buffer on %s:%d: %v", cfg.BindIP, port, err)
		}
		ep.data = append(ep.data, conn)
	}

	return ep, nil
}

// Config returns the endpoint's configuration.
func (e *Endpoint) Config() EndpointConfig { return e.cfg }

// DataSocketAddr returns the bound local address of the i'th data
// socket, useful when DestPorts specified an ephemeral port (0).
func (e *Endpoint) DataSocketAddr(i int) *net.UDPAddr {
	return e.data[i].LocalAddr().(*net.UDPAddr)
}

// Close releases all sockets owned by the endpoint.
func (e *Endpoint) Close() error {
	var firstErr error
	if e.conf != nil {
		if err := e.conf.Close(); err != nil {
			firstErr = err
		}
	}
	for _, c := range e.data {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendUnicast sends payload to ip:port via the config socket.
func (e *Endpoint) SendUnicast(payload []byte, ip net.IP, port int) error {
	_, err := e.conf.WriteToUDP(payload, &net.UDPAddr{IP: ip, Port: port})
	return err
}

// SendBroadcast sends payload to the endpoint's broadcast address on port.
func (e *Endpoint) SendBroadcast(payload []byte, port int) error {
	return e.SendUnicast(payload, e.cfg.Broadcast, port)
}

// Datagram is one received packet together with its sender.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
}

// PollDataSockets performs one non-blocking pass over all data sockets,
// returning any datagrams received. Datagrams larger than
// maxDatagramSize are truncated and discarded, matching spec.md §4.2.
func (e *Endpoint) PollDataSockets() []Datagram {
	var out []Datagram
	buf := make([]byte, maxDatagramSize+1)
	for _, conn := range e.data {
		for {
			conn.SetReadDeadline(time.Now().Add(0))
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				break
			}
			if n > maxDatagramSize {
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			out = append(out, Datagram{Data: data, From: from})
		}
	}
	return out
}

// Drain discards any datagrams currently queued on the data sockets.
// Used before critical send/ack round-trips (flash handshake) per
// spec.md §4.2.
func (e *Endpoint) Drain() {
	e.PollDataSockets()
}

// PollInterval is the recommended sleep between successive poll passes
// across a set of endpoints (spec.md §4.2: "a short sleep of ~10 ms").
func PollInterval() time.Duration { return pollInterval }
