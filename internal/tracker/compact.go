package tracker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
)

// CompactPeer is a 6-byte peer address: 4-byte IPv4 followed by a 2-byte
// big-endian port. It contains no pointers so it can be used as a map key.
type CompactPeer struct {
	IP   [net.IPv4len]byte
	Port uint16
}

// NewCompactPeer returns a CompactPeer for addr. Only IPv4 addresses can be
// represented.
func NewCompactPeer(addr *net.TCPAddr) (CompactPeer, bool) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return CompactPeer{}, false
	}
	p := CompactPeer{Port: uint16(addr.Port)}
	copy(p.IP[:], ip4)
	return p, true
}

// Addr returns the peer address as a net.TCPAddr.
func (p CompactPeer) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(p.IP[:]), Port: int(p.Port)}
}

// MarshalBinary returns the 6-byte wire form.
func (p CompactPeer) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 6))
	err := binary.Write(buf, binary.BigEndian, p)
	return buf.Bytes(), err
}

// UnmarshalBinary reads the 6-byte wire form.
func (p *CompactPeer) UnmarshalBinary(data []byte) error {
	if len(data) != 6 {
		return errors.New("invalid compact peer length")
	}
	return binary.Read(bytes.NewReader(data), binary.BigEndian, p)
}

// EncodePeersCompact packs peers into a compact peer list.
func EncodePeersCompact(peers []CompactPeer) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(peers)*6))
	for _, p := range peers {
		_ = binary.Write(buf, binary.BigEndian, p)
	}
	return buf.Bytes()
}

// DecodePeersCompact parses a compact peer list into addresses.
func DecodePeersCompact(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, errors.New("invalid peer list length")
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		var p CompactPeer
		if err := p.UnmarshalBinary(b[i : i+6]); err != nil {
			return nil, err
		}
		addrs = append(addrs, p.Addr())
	}
	return addrs, nil
}
