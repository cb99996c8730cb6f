package btprotocol

import (
	"net"
	"sort"
	"strconv"

	"github.com/zeebo/bencode"

	"github.com/quietbit/peerengine/internal/errorsx"
)

// PexPeerFlags describes what a PEX advertisement claims about a peer, per
// BEP 11's added.f / added6.f byte.
type PexPeerFlags byte

// Flag bits within a PexPeerFlags byte.
const (
	PexPrefersEncryption PexPeerFlags = 1 << 0
	PexUploadOnly        PexPeerFlags = 1 << 1
	PexSupportsUTP       PexPeerFlags = 1 << 2
	PexSupportsHolepunch PexPeerFlags = 1 << 3
	PexOutgoingConn      PexPeerFlags = 1 << 4
)

// PexPeer is a single compact peer entry, decoded or pending encoding.
type PexPeer struct {
	IP    net.IP
	Port  uint16
	Flags PexPeerFlags
}

func (p PexPeer) key() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// pexMessageWire is the bencode shape of a ut_pex payload.
type pexMessageWire struct {
	Added       []byte `bencode:"added"`
	AddedFlags  []byte `bencode:"added.f"`
	Added6      []byte `bencode:"added6"`
	Added6Flags []byte `bencode:"added6.f"`
	Dropped     []byte `bencode:"dropped"`
	Dropped6    []byte `bencode:"dropped6"`
}

// MaxPexPeersPerMessage caps the number of added/dropped entries carried in
// a single ut_pex message, matching common swarm practice to keep the
// extended message small.
const MaxPexPeersPerMessage = 50

// MarshalPexMessage encodes the added and dropped peer lists into a ut_pex
// bencoded payload, splitting by address family and capping each list at
// MaxPexPeersPerMessage entries. The holepunch bit is never advertised for
// entries this engine adds, since holepunch rendezvous is not implemented.
func MarshalPexMessage(added, dropped []PexPeer) ([]byte, error) {
	added = capPeers(added)
	dropped = capPeers(dropped)

	var w pexMessageWire
	for _, p := range added {
		flags := p.Flags &^ PexSupportsHolepunch
		if v4 := p.IP.To4(); v4 != nil {
			w.Added = append(w.Added, encodeCompact4(v4, p.Port)...)
			w.AddedFlags = append(w.AddedFlags, byte(flags))
		} else {
			w.Added6 = append(w.Added6, encodeCompact6(p.IP.To16(), p.Port)...)
			w.Added6Flags = append(w.Added6Flags, byte(flags))
		}
	}
	for _, p := range dropped {
		if v4 := p.IP.To4(); v4 != nil {
			w.Dropped = append(w.Dropped, encodeCompact4(v4, p.Port)...)
		} else {
			w.Dropped6 = append(w.Dropped6, encodeCompact6(p.IP.To16(), p.Port)...)
		}
	}

	b, err := bencode.EncodeBytes(w)
	if err != nil {
		return nil, errorsx.Wrap(err, "encoding pex message")
	}
	return b, nil
}

// UnmarshalPexMessage decodes a ut_pex payload into added and dropped peer
// lists.
func UnmarshalPexMessage(b []byte) (added, dropped []PexPeer, err error) {
	var w pexMessageWire
	if err = bencode.DecodeBytes(b, &w); err != nil {
		return nil, nil, errorsx.Wrap(err, "decoding pex message")
	}

	added = append(added, decodeCompact4WithFlags(w.Added, w.AddedFlags)...)
	added = append(added, decodeCompact6WithFlags(w.Added6, w.Added6Flags)...)
	dropped = append(dropped, decodeCompact4WithFlags(w.Dropped, nil)...)
	dropped = append(dropped, decodeCompact6WithFlags(w.Dropped6, nil)...)
	return added, dropped, nil
}

// DiffPex computes the added and dropped peers between a previously
// advertised view and the current one, keyed by address, capping each side
// at MaxPexPeersPerMessage and preferring a stable order so repeated calls
// with an unchanged swarm produce identical diffs.
func DiffPex(prev, curr map[string]PexPeer) (added, dropped []PexPeer) {
	for k, p := range curr {
		if _, ok := prev[k]; !ok {
			added = append(added, p)
		}
	}
	for k, p := range prev {
		if _, ok := curr[k]; !ok {
			dropped = append(dropped, p)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].key() < added[j].key() })
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].key() < dropped[j].key() })
	return capPeers(added), capPeers(dropped)
}

func capPeers(p []PexPeer) []PexPeer {
	if len(p) > MaxPexPeersPerMessage {
		return p[:MaxPexPeersPerMessage]
	}
	return p
}

func encodeCompact4(ip net.IP, port uint16) []byte {
	b := make([]byte, 6)
	copy(b[:4], ip.To4())
	b[4] = byte(port >> 8)
	b[5] = byte(port)
	return b
}

func encodeCompact6(ip net.IP, port uint16) []byte {
	b := make([]byte, 18)
	copy(b[:16], ip.To16())
	b[16] = byte(port >> 8)
	b[17] = byte(port)
	return b
}

func decodeCompact4WithFlags(addrs, flags []byte) []PexPeer {
	var out []PexPeer
	for i := 0; i+6 <= len(addrs); i += 6 {
		p := PexPeer{
			IP:   net.IP(append([]byte(nil), addrs[i:i+4]...)),
			Port: uint16(addrs[i+4])<<8 | uint16(addrs[i+5]),
		}
		idx := i / 6
		if idx < len(flags) {
			p.Flags = PexPeerFlags(flags[idx])
		}
		out = append(out, p)
	}
	return out
}

func decodeCompact6WithFlags(addrs, flags []byte) []PexPeer {
	var out []PexPeer
	for i := 0; i+18 <= len(addrs); i += 18 {
		p := PexPeer{
			IP:   net.IP(append([]byte(nil), addrs[i:i+16]...)),
			Port: uint16(addrs[i+16])<<8 | uint16(addrs[i+17]),
		}
		idx := i / 18
		if idx < len(flags) {
			p.Flags = PexPeerFlags(flags[idx])
		}
		out = append(out, p)
	}
	return out
}
