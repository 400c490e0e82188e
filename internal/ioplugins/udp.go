package ioplugins

import (
	"fmt"
	"net"

	"github.com/spf13/pflag"
	"golang.org/x/net/ipv4"

	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// udpDatagramPackets is the number of TS packets per UDP datagram this
// package reads and writes; 7*188 = 1316 bytes is the conventional
// MPEG-TS-over-UDP/RTP-less datagram size.
const udpDatagramPackets = 7

// UDPInput receives packets over a UDP socket, one datagram of up to
// udpDatagramPackets packets at a time.
type UDPInput struct {
	conn *net.UDPConn
}

// NewUDPInput creates an unstarted UDP input plugin.
func NewUDPInput() *UDPInput { return &UDPInput{} }

// Start recognizes --udp (required, host:port to listen on). A
// multicast group address joins that group on the default interface.
func (p *UDPInput) Start(args []string) error {
	fs := pflag.NewFlagSet("udp-input", pflag.ContinueOnError)
	addr := fs.String("udp", "", "UDP address to receive packets on")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("udp input: %w", err)
	}
	if *addr == "" {
		return fmt.Errorf("udp input: --udp is required")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		return fmt.Errorf("udp input: resolve %s: %w", *addr, err)
	}
	var conn *net.UDPConn
	if udpAddr.IP != nil && udpAddr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, udpAddr)
	} else {
		conn, err = net.ListenUDP("udp", udpAddr)
	}
	if err != nil {
		return fmt.Errorf("udp input: listen %s: %w", *addr, err)
	}
	p.conn = conn
	return nil
}

// Stop closes the socket.
func (p *UDPInput) Stop() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Bitrate reports no opinion.
func (p *UDPInput) Bitrate() (bitrate.Value, bool) { return bitrate.Zero, false }

// Receive reads one datagram at a time, unpacking it into as many
// whole TS packets as it carries; never signals end of input on its
// own (a UDP stream has no natural EOF), only on a socket error.
func (p *UDPInput) Receive(buf []tspacket.Packet, meta []tspacket.Metadata) (n int, end bool, err error) {
	var datagram [udpDatagramPackets * tspacket.Size]byte
	for n < len(buf) {
		dn, _, rerr := p.conn.ReadFromUDP(datagram[:])
		if rerr != nil {
			return n, false, fmt.Errorf("udp input: read: %w", rerr)
		}
		for off := 0; off+tspacket.Size <= dn && n < len(buf); off += tspacket.Size {
			copy(buf[n][:], datagram[off:off+tspacket.Size])
			meta[n].Reset()
			n++
		}
		if n > 0 {
			return n, false, nil
		}
	}
	return n, false, nil
}

// UDPOutput sends packets over a UDP socket, batching up to
// udpDatagramPackets packets per datagram.
type UDPOutput struct {
	conn *net.UDPConn
}

// NewUDPOutput creates an unstarted UDP output plugin.
func NewUDPOutput() *UDPOutput { return &UDPOutput{} }

// Start recognizes --udp (required, host:port to send to) and --ttl
// (multicast TTL, default 1).
func (p *UDPOutput) Start(args []string) error {
	fs := pflag.NewFlagSet("udp-output", pflag.ContinueOnError)
	addr := fs.String("udp", "", "UDP address to send packets to")
	ttl := fs.Int("ttl", 1, "multicast TTL")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("udp output: %w", err)
	}
	if *addr == "" {
		return fmt.Errorf("udp output: --udp is required")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		return fmt.Errorf("udp output: resolve %s: %w", *addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("udp output: dial %s: %w", *addr, err)
	}
	if udpAddr.IP != nil && udpAddr.IP.IsMulticast() {
		_ = ipv4.NewPacketConn(conn).SetMulticastTTL(*ttl)
	}
	p.conn = conn
	return nil
}

// Stop closes the socket.
func (p *UDPOutput) Stop() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Bitrate reports no opinion.
func (p *UDPOutput) Bitrate() (bitrate.Value, bool) { return bitrate.Zero, false }

// Send batches pkts into datagrams of up to udpDatagramPackets packets
// each and writes them to the socket in order.
func (p *UDPOutput) Send(pkts []tspacket.Packet, _ []tspacket.Metadata) error {
	var datagram [udpDatagramPackets * tspacket.Size]byte
	for i := 0; i < len(pkts); i += udpDatagramPackets {
		end := i + udpDatagramPackets
		if end > len(pkts) {
			end = len(pkts)
		}
		n := 0
		for _, pkt := range pkts[i:end] {
			copy(datagram[n:], pkt[:])
			n += tspacket.Size
		}
		if _, err := p.conn.Write(datagram[:n]); err != nil {
			return fmt.Errorf("udp output: write: %w", err)
		}
	}
	return nil
}
