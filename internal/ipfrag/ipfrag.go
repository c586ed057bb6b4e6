// Package ipfrag reassembles fragmented IPv4 datagrams using a fixed pool
// of reassembly buffers, each tracking received byte ranges with a bitmap
// (one bit per 8-byte fragment unit, mirroring RFC 791's fragment offset
// granularity). A buffer is identified by the RFC 791 "bufid" 4-tuple
// (source, destination, protocol, identification).
//
// The original's ip_fragment_input, once a datagram was fully reassembled,
// re-dispatched it by calling ip_send on the reassembled payload — which
// looks like a copy/paste bug (a received datagram should be handed back
// to the input path, not retransmitted). That's corrected here: Insert
// returns a complete reassembly to its caller, and the IP layer feeds it
// back through its own input dispatch.
package ipfrag

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/config"
	"github.com/jserv/nstack/internal/errcode"
)

const maxDatagram = 65535
const mapBits = config.FragMapBits

// BufID identifies a reassembly context per RFC 791.
type BufID struct {
	Src   addr.IPv4
	Dst   addr.IPv4
	Proto uint8
	ID    uint16
}

type buffer struct {
	id       BufID
	reserved bool
	timer    time.Duration
	fragmap  [mapBits / 32]uint32
	total    int // final datagram length, known once the last fragment (no MF) arrives
	payload  [maxDatagram]byte
}

func (b *buffer) set(bit int)        { b.fragmap[bit>>5] |= 1 << uint(bit&0x1f) }
func (b *buffer) test(bit int) bool  { return b.fragmap[bit>>5]&(1<<uint(bit&0x1f)) != 0 }

// Reassembler holds the fixed pool of config.IPFragmentBufs reassembly
// contexts.
type Reassembler struct {
	mu     sync.Mutex
	bufs   [config.IPFragmentBufs]buffer
	logger *slog.Logger
}

// NewReassembler constructs an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{logger: slog.Default()}
}

func (r *Reassembler) find(id BufID) *buffer {
	for i := range r.bufs {
		if r.bufs[i].reserved && r.bufs[i].id == id {
			return &r.bufs[i]
		}
	}
	return nil
}

func (r *Reassembler) alloc(id BufID) *buffer {
	for i := range r.bufs {
		if !r.bufs[i].reserved {
			r.bufs[i] = buffer{id: id, reserved: true, timer: config.IPFragmentTimeout}
			return &r.bufs[i]
		}
	}
	return nil
}

// Insert feeds one received fragment into the reassembler. offset and
// moreFragments come from the IP header's fragment-offset field (already
// multiplied out to a byte offset) and MF flag. It returns the complete
// reassembled payload and true once every fragment has arrived.
func (r *Reassembler) Insert(id BufID, offset int, moreFragments bool, fragPayload []byte) ([]byte, bool, error) {
	if offset+len(fragPayload) > maxDatagram {
		return nil, false, errcode.New(errcode.EMsgSize, "ipfrag.Insert", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.find(id)
	if p == nil {
		p = r.alloc(id)
		if p == nil {
			return nil, false, errcode.New(errcode.ENoBufs, "ipfrag.Insert", nil)
		}
	}

	copy(p.payload[offset:], fragPayload)
	first := offset >> 3
	n := (len(fragPayload) + 7) >> 3
	for i := first; i < first+n; i++ {
		p.set(i)
	}

	if !moreFragments {
		p.total = offset + len(fragPayload)
	}

	if p.total == 0 {
		return nil, false, nil
	}

	complete := true
	for i := 0; i < (p.total+7)>>3; i++ {
		if !p.test(i) {
			complete = false
			break
		}
	}
	if !complete {
		return nil, false, nil
	}

	out := make([]byte, p.total)
	copy(out, p.payload[:p.total])
	r.release(p)
	return out, true, nil
}

func (r *Reassembler) release(p *buffer) {
	*p = buffer{}
}

// Tick ages every reserved buffer by delta and releases any that have
// exceeded config.IPFragmentTimeout without completing.
func (r *Reassembler) Tick(delta time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.bufs {
		p := &r.bufs[i]
		if !p.reserved {
			continue
		}
		p.timer -= delta
		if p.timer <= 0 {
			r.logger.Debug("ipfrag: reassembly timed out", "bufid", p.id)
			r.release(p)
		}
	}
}
