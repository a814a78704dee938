package main

import (
	"errors"
	"log/slog"

	"github.com/soypat/seqs/eth"
)

var errFrameShort = errors.New("frame shorter than ethernet header")

// frameAttrs describes a received Ethernet frame for logging. IPv4 UDP
// frames get their checksum verified.
func frameAttrs(frame []byte) ([]slog.Attr, error) {
	if len(frame) < eth.SizeEthernetHeader {
		return nil, errFrameShort
	}
	ehdr := eth.DecodeEthernetHeader(frame)
	attrs := []slog.Attr{
		slog.String("eth", ehdr.String()),
		slog.Int("len", len(frame)),
	}
	payload := frame[eth.SizeEthernetHeader:]
	switch ehdr.AssertType() {
	case eth.EtherTypeARP:
		if len(payload) < eth.SizeARPv4Header {
			return attrs, nil
		}
		arp := eth.DecodeARPv4Header(payload)
		attrs = append(attrs, slog.String("arp", arp.String()))
	case eth.EtherTypeIPv4:
		if len(payload) < eth.SizeIPv4Header {
			return attrs, nil
		}
		ip, off := eth.DecodeIPv4Header(payload)
		attrs = append(attrs, slog.String("ipv4", ip.String()))
		const udp = 17
		if ip.Protocol != udp || off < eth.SizeIPv4Header || len(payload) < int(off)+eth.SizeUDPHeader {
			break
		}
		uhdr := eth.DecodeUDPHeader(payload[off:])
		sum := uhdr.CalculateChecksumIPv4(&ip, payload[int(off)+eth.SizeUDPHeader:])
		attrs = append(attrs, slog.String("udp", uhdr.String()), slog.Bool("checksum_ok", sum == uhdr.Checksum))
	}
	return attrs, nil
}

// arpAnnouncement builds a gratuitous ARP broadcast from hw claiming ip.
func arpAnnouncement(hw [6]byte, ip [4]byte) []byte {
	frame := make([]byte, eth.SizeEthernetHeader+eth.SizeARPv4Header)
	ehdr := eth.EthernetHeader{
		Destination:     [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Source:          hw,
		SizeOrEtherType: uint16(eth.EtherTypeARP),
	}
	ehdr.Put(frame)
	arp := eth.ARPv4Header{
		HardwareType:   1,
		ProtoType:      uint16(eth.EtherTypeIPv4),
		HardwareLength: 6,
		ProtoLength:    4,
		Operation:      1,
		HardwareSender: hw,
		ProtoSender:    ip,
		ProtoTarget:    ip,
	}
	arp.Put(frame[eth.SizeEthernetHeader:])
	return frame
}
