// Package pktgen builds and parses the Ethernet/IPv4/UDP test packets that
// carry a sequence number in the first four payload bytes.
package pktgen

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

const (
	EthHdrLen  = 14
	IPv4HdrLen = 20
	UDPHdrLen  = 8
	SeqLen     = 4

	// MinSize is the smallest packet that still carries a sequence number.
	MinSize = EthHdrLen + IPv4HdrLen + UDPHdrLen + SeqLen

	DefaultSize = 64

	EtherTypeIPv4 = 0x0800
	ProtoUDP      = 17
)

var (
	ErrNotIPv4     = errors.New("address is not IPv4")
	ErrMAC         = errors.New("MAC address must be 6 bytes")
	ErrBufTooSmall = errors.New("buffer too small for packet")
)

// UDPConfig describes the headers of generated packets.
type UDPConfig struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16

	// Size is the total frame size including the Ethernet header.
	Size uint32
}

func (c *UDPConfig) ValidateAndSetDefaults() error {
	if c.Size == 0 {
		c.Size = DefaultSize
	}
	c.Size = max(c.Size, MinSize)
	if len(c.SrcMAC) != 6 {
		return fmt.Errorf("%w: src %q", ErrMAC, c.SrcMAC)
	}
	if len(c.DstMAC) != 6 {
		return fmt.Errorf("%w: dst %q", ErrMAC, c.DstMAC)
	}
	if c.SrcIP.To4() == nil {
		return fmt.Errorf("%w: src %q", ErrNotIPv4, c.SrcIP)
	}
	if c.DstIP.To4() == nil {
		return fmt.Errorf("%w: dst %q", ErrNotIPv4, c.DstIP)
	}
	return nil
}

// IPChecksum returns the RFC 1071 internet checksum of buf.
func IPChecksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// BuildUDP writes a packet of c.Size bytes carrying seq into buf and returns
// its length. c must have been validated.
func BuildUDP(buf []byte, c *UDPConfig, seq uint32) (uint32, error) {
	size := max(c.Size, MinSize)
	if uint32(len(buf)) < size {
		return 0, fmt.Errorf("%w: %d < %d", ErrBufTooSmall, len(buf), size)
	}
	payloadLen := size - (EthHdrLen + IPv4HdrLen + UDPHdrLen)

	copy(buf[0:6], c.DstMAC)
	copy(buf[6:12], c.SrcMAC)
	binary.BigEndian.PutUint16(buf[12:], EtherTypeIPv4)

	ip := buf[EthHdrLen:]
	clear(ip[:IPv4HdrLen])
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(IPv4HdrLen+UDPHdrLen+payloadLen))
	ip[8], ip[9] = 64, ProtoUDP
	copy(ip[12:16], c.SrcIP.To4())
	copy(ip[16:20], c.DstIP.To4())
	binary.BigEndian.PutUint16(ip[10:], IPChecksum(ip[:IPv4HdrLen]))

	udp := ip[IPv4HdrLen:]
	binary.BigEndian.PutUint16(udp[0:], c.SrcPort)
	binary.BigEndian.PutUint16(udp[2:], c.DstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(UDPHdrLen+payloadLen))
	binary.BigEndian.PutUint16(udp[6:], 0) // No UDP checksum.

	binary.BigEndian.PutUint32(udp[UDPHdrLen:], seq)
	return size, nil
}

// Seq extracts the sequence number of an IPv4/UDP packet built by BuildUDP.
func Seq(pkt []byte) (seq uint32, ok bool) {
	if len(pkt) < MinSize ||
		binary.BigEndian.Uint16(pkt[12:]) != EtherTypeIPv4 {
		return 0, false
	}
	ip := pkt[EthHdrLen:]
	if ip[0]>>4 != 4 || ip[9] != ProtoUDP {
		return 0, false
	}
	return binary.BigEndian.Uint32(ip[IPv4HdrLen+UDPHdrLen:]), true
}

// Match reports the sequence number of pkt if its addresses and ports are
// exactly those of c.
func (c *UDPConfig) Match(pkt []byte) (seq uint32, ok bool) {
	seq, ok = Seq(pkt)
	if !ok {
		return 0, false
	}
	ip := pkt[EthHdrLen:]
	udp := ip[IPv4HdrLen:]
	if !bytes.Equal(pkt[0:6], c.DstMAC) ||
		!bytes.Equal(pkt[6:12], c.SrcMAC) ||
		!bytes.Equal(ip[12:16], c.SrcIP.To4()) ||
		!bytes.Equal(ip[16:20], c.DstIP.To4()) ||
		binary.BigEndian.Uint16(udp[0:]) != c.SrcPort ||
		binary.BigEndian.Uint16(udp[2:]) != c.DstPort {
		return 0, false
	}
	return seq, true
}
