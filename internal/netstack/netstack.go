// Package netstack implements the simulated network device and its
// supporting IPv4/DNS helpers: parse/format round-trip (spec §8), a
// loopback-style in-memory NetworkDevice (spec §9 capability set), and a
// standalone DNS Resolver the domain stack adds (SPEC_FULL §3, §4).
// Grounded on the teacher's netstack (tinyrange/cc internal/netstack) for
// the device-facing framing shape, and on
// original_source/kernel/src/net/{utils.rs,config.rs} for the IPv4
// parse/format algorithm and the default address constants.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"

	"github.com/trust0-project/havy-os-go/internal/device"
	"github.com/trust0-project/havy-os-go/internal/lockprim"
)

// Default addressing constants, carried over unchanged from
// original_source/kernel/src/net/config.rs.
var (
	DefaultIPAddr = [4]byte{10, 0, 2, 15}
	Gateway       = [4]byte{10, 0, 2, 2}
	DNSServer     = [4]byte{8, 8, 8, 8}
	Loopback      = [4]byte{127, 0, 0, 1}
)

const (
	PrefixLen    = 24
	DNSPort      = 53
	DNSLocalPort = 10053
)

// ErrMalformedAddress is returned by ParseIPv4 for any input that is not
// exactly four dot-separated decimal octets.
var ErrMalformedAddress = errors.New("netstack: malformed ipv4 address")

// ParseIPv4 parses a dotted-decimal IPv4 address, the Go re-expression of
// original_source/kernel/src/net/utils.rs parse_ipv4.
func ParseIPv4(s string) ([4]byte, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return [4]byte{}, ErrMalformedAddress
	}
	var out [4]byte
	for i, p := range parts {
		if p == "" {
			return [4]byte{}, ErrMalformedAddress
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return [4]byte{}, ErrMalformedAddress
		}
		out[i] = byte(n)
	}
	return out, nil
}

// FormatIPv4 formats a four-byte address as dotted decimal, the inverse of
// ParseIPv4 (spec §8 "Parse then format an IPv4 address yields the original
// octets").
func FormatIPv4(addr [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", addr[0], addr[1], addr[2], addr[3])
}

// BuildIPv4Header constructs a minimal IPv4 header for a UDP/ICMP payload
// of the given length, using golang.org/x/net/ipv4's header encoding for
// the simulated EMAC's framing step.
func BuildIPv4Header(src, dst [4]byte, protocol int, payloadLen int) *ipv4.Header {
	return &ipv4.Header{
		Version:  4,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + payloadLen,
		TTL:      64,
		Protocol: protocol,
		Src:      net.IPv4(src[0], src[1], src[2], src[3]),
		Dst:      net.IPv4(dst[0], dst[1], dst[2], dst[3]),
	}
}

// LoopbackDevice is an in-memory device.NetworkDevice standing in for the
// simulated EMAC, grounded on the teacher's netstack loopback harness
// (tinyrange/cc internal/netstack).
type LoopbackDevice struct {
	mu       lockprim.Spinlock
	mac      [6]byte
	linkUp   bool
	rxq      [][]byte
	mtu      int
	ip       [4]byte
	lastPoll int64
}

// NewLoopbackDevice constructs a LoopbackDevice with the given MAC, not yet
// link-up (spec §4.7 "Network probe → device created"), and a static
// DefaultIPAddr lease (no DHCP negotiation in this simulation).
func NewLoopbackDevice(mac [6]byte) *LoopbackDevice {
	return &LoopbackDevice{mac: mac, mtu: 1500, ip: DefaultIPAddr}
}

// SetLinkUp flips the simulated PHY link state.
func (l *LoopbackDevice) SetLinkUp(up bool) {
	l.mu.Lock()
	l.linkUp = up
	l.mu.Unlock()
}

func (l *LoopbackDevice) MAC() [6]byte { return l.mac }

func (l *LoopbackDevice) LinkUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.linkUp
}

// Transmit loops the frame back onto the receive queue, simulating a
// point-to-point link to the host (the NAT-style relay the original boot
// console's "Network subsystem" step describes).
func (l *LoopbackDevice) Transmit(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.linkUp {
		return device.ErrNoLink
	}
	if len(frame) > l.mtu {
		return device.ErrTxFailed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	l.rxq = append(l.rxq, cp)
	return nil
}

func (l *LoopbackDevice) Receive(buf []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.rxq) == 0 {
		return 0, device.ErrNoPacket
	}
	frame := l.rxq[0]
	if len(frame) > len(buf) {
		return 0, device.ErrRxBufferTooSmall
	}
	l.rxq = l.rxq[1:]
	return copy(buf, frame), nil
}

func (l *LoopbackDevice) HasPacket() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rxq) > 0
}

func (l *LoopbackDevice) MTU() int { return l.mtu }

// Poll advances the device's internal state given the current simulated
// time (spec §1/§3 "poll(timestamp)"). A loopback link has no
// retransmission or lease-renewal timers to age, so this only records the
// timestamp for LastPollMs; a real EMAC driver would drive its smoltcp-
// style interface's poll loop from here instead.
func (l *LoopbackDevice) Poll(nowMs int64) {
	l.mu.Lock()
	l.lastPoll = nowMs
	l.mu.Unlock()
}

// LastPollMs reports the timestamp passed to the most recent Poll call.
func (l *LoopbackDevice) LastPollMs() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPoll
}

// GetIP reports the device's assigned IPv4 address (spec §1/§3 "get_ip()").
func (l *LoopbackDevice) GetIP() [4]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ip
}

var _ device.NetworkDevice = (*LoopbackDevice)(nil)

// Resolver resolves hostnames through a real DNS client, an addition on top
// of spec.md's get_ip operation. No I/O router op calls it.
type Resolver struct {
	client *dns.Client
	server string
}

// NewResolver constructs a Resolver targeting DNSServer:DNSPort.
func NewResolver() *Resolver {
	return &Resolver{
		client: new(dns.Client),
		server: net.JoinHostPort(FormatIPv4(DNSServer), strconv.Itoa(DNSPort)),
	}
}

// Resolve looks up name's first IPv4 address (spec extension "DNS-resolve
// router op", SPEC_FULL §4).
func (r *Resolver) Resolve(ctx context.Context, name string) ([4]byte, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return [4]byte{}, fmt.Errorf("netstack: dns query for %q failed: %w", name, err)
	}
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			ip4 := a.A.To4()
			if ip4 == nil {
				continue
			}
			return [4]byte{ip4[0], ip4[1], ip4[2], ip4[3]}, nil
		}
	}
	return [4]byte{}, fmt.Errorf("netstack: no A record found for %q", name)
}
