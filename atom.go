package torrent

import (
	"net"
	"sync"
	"time"
)

// Source identifies how an atom's address was discovered. Lower ordinal is
// more trusted, per the from_best <= from_first invariant.
type Source uint8

// Discovery sources, ordered incoming < ltep < tracker < dht < pex < resume
// < lpd as named in the testable invariants.
const (
	SourceIncoming Source = iota
	SourceLTEP
	SourceTracker
	SourceDHT
	SourcePEX
	SourceResume
	SourceLPD
)

// AtomFlags describes capabilities advertised by or observed about a peer
// endpoint.
type AtomFlags uint8

const (
	AtomFlagEncryption AtomFlags = 1 << iota
	AtomFlagSeed
	AtomFlagUTP
	AtomFlagHolepunch
	AtomFlagConnectable
	// AtomFlagPexOutgoingConn records that a PEX advertisement claimed the
	// peer was reachable via an outgoing connection (pp.PexOutgoingConn in
	// the teacher's connection.go:pexPeerFlags).
	AtomFlagPexOutgoingConn
)

// AtomFlags2 carries flags that, once set, are sticky for the atom's
// lifetime (banning) or require explicit clearing (unreachable).
type AtomFlags2 uint8

const (
	AtomFlag2Banned AtomFlags2 = 1 << iota
	AtomFlag2Unreachable
)

// SeedProbabilityUnknown is the sentinel value for Atom.SeedProbability when
// no estimate is available.
const SeedProbabilityUnknown = -1

// AtomID is a stable identifier for an Atom, held by a Peer instead of a
// pointer so atom pruning and peer teardown can race safely: the atom pool
// owns atoms by id, and the peer's back-reference is looked up through the
// pool rather than dereferenced directly.
type AtomID uint64

// Atom is a long-lived record for a known peer endpoint, kept alive across
// disconnects. All mutation happens on the manager's event loop; Atom itself
// holds no lock.
type Atom struct {
	ID   AtomID
	Addr net.Addr

	FromFirst Source
	FromBest  Source

	Flags  AtomFlags
	Flags2 AtomFlags2

	// SeedProbability is an integer in [0,100], or SeedProbabilityUnknown.
	SeedProbability int

	NumFails int

	PieceDataTime           time.Time
	LastConnectionAt        time.Time
	LastConnectionAttemptAt time.Time
	Time                    time.Time

	ShelfDate time.Time

	// Blocklisted is a tristate cache: nil means "not yet checked".
	Blocklisted *bool

	// PeerID references the live Peer bound to this atom, or 0 if none.
	PeerID PeerID
}

// NewAtom constructs an atom freshly discovered from source at addr.
func NewAtom(id AtomID, addr net.Addr, source Source, now time.Time) *Atom {
	return &Atom{
		ID:              id,
		Addr:            addr,
		FromFirst:       source,
		FromBest:        source,
		SeedProbability: SeedProbabilityUnknown,
		Time:            now,
		ShelfDate:       now,
	}
}

// ObserveSource updates FromBest if source is more trusted than what's
// already recorded, preserving the from_best <= from_first invariant.
func (a *Atom) ObserveSource(source Source) {
	if source < a.FromBest {
		a.FromBest = source
	}
}

func (a *Atom) Banned() bool      { return a.Flags2&AtomFlag2Banned != 0 }
func (a *Atom) Unreachable() bool { return a.Flags2&AtomFlag2Unreachable != 0 }
func (a *Atom) IsSeed() bool      { return a.Flags&AtomFlagSeed != 0 }

// Ban marks the atom banned. It leaves PeerID as it is; the caller is
// responsible for actually closing the peer.
func (a *Atom) Ban() {
	a.Flags2 |= AtomFlag2Banned
}

// MarkUnreachable flags the atom as unreachable and increments the failure
// counter, per the incoming-connection-gate and transport-error paths.
func (a *Atom) MarkUnreachable(now time.Time) {
	a.Flags2 |= AtomFlag2Unreachable
	a.NumFails++
	a.LastConnectionAttemptAt = now
	a.Time = now
}

// MarkConnected clears the failure counter and unreachable flag on a
// successful connection.
func (a *Atom) MarkConnected(now time.Time) {
	a.Flags2 &^= AtomFlag2Unreachable
	a.NumFails = 0
	a.LastConnectionAt = now
	a.LastConnectionAttemptAt = now
	a.Time = now
}

// SetSeedProbability enforces the seed_probability == 100 <=> is-seed
// invariant.
func (a *Atom) SetSeedProbability(p int) {
	a.SeedProbability = p
	if p == 100 {
		a.Flags |= AtomFlagSeed
	} else {
		a.Flags &^= AtomFlagSeed
	}
}

// atomIDAllocator hands out monotonically increasing AtomIDs; shared across
// a Manager's torrents since atom identity only needs to be unique within a
// running process.
type atomIDAllocator struct {
	mu   sync.Mutex
	next AtomID
}

func (a *atomIDAllocator) allocate() AtomID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next
}
