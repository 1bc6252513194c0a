package session

import (
	"fmt"
	"time"
)

// Record describes one sent-but-unacknowledged chunk. Payload holds the
// application bytes so the chunk can be rebuilt for retransmission;
// Resent marks chunks whose next ACK must not produce a round-trip
// sample (Karn's algorithm).
type Record struct {
	SendTime time.Time
	Resent   bool
	Payload  []byte
}

// Inflight tracks the live sequence numbers of one session in send
// order: a queue of sequence numbers paired with a map from sequence
// number to its record. Sequence numbers are appended strictly
// increasing, so the head of the queue is always the earliest
// outstanding chunk and the first retransmission candidate.
type Inflight struct {
	seqs  []uint32
	store map[uint32]*Record
}

// NewInflight creates an empty tracker.
func NewInflight() *Inflight {
	return &Inflight{store: make(map[uint32]*Record)}
}

// Add registers a newly sent chunk. seq must be greater than every
// sequence number ever added; violating that is a bug in the caller.
func (f *Inflight) Add(seq uint32, sendTime time.Time, payload []byte) {
	if n := len(f.seqs); n > 0 && seq <= f.seqs[n-1] {
		panic(fmt.Sprintf("inflight: sequence %d not above %d", seq, f.seqs[n-1]))
	}
	f.seqs = append(f.seqs, seq)
	f.store[seq] = &Record{SendTime: sendTime, Payload: payload}
}

// PeekEarliest returns the smallest live sequence number.
func (f *Inflight) PeekEarliest() (uint32, bool) {
	if len(f.seqs) == 0 {
		return 0, false
	}
	return f.seqs[0], true
}

// PopEarliest removes and returns the record of the earliest live
// sequence number.
func (f *Inflight) PopEarliest() (*Record, bool) {
	if len(f.seqs) == 0 {
		return nil, false
	}
	seq := f.seqs[0]
	f.seqs = f.seqs[1:]
	rec := f.store[seq]
	delete(f.store, seq)
	return rec, true
}

// Pop removes and returns the record of seq, wherever it sits in the
// queue. Used for out-of-order ACKs.
func (f *Inflight) Pop(seq uint32) (*Record, bool) {
	rec, ok := f.store[seq]
	if !ok {
		return nil, false
	}
	delete(f.store, seq)
	for i, s := range f.seqs {
		if s == seq {
			f.seqs = append(f.seqs[:i], f.seqs[i+1:]...)
			break
		}
	}
	return rec, true
}

// Get reads the record of seq without removing it.
func (f *Inflight) Get(seq uint32) (*Record, bool) {
	rec, ok := f.store[seq]
	return rec, ok
}

// MarkResent flags seq as retransmitted so its eventual ACK yields no
// round-trip sample.
func (f *Inflight) MarkResent(seq uint32) {
	if rec, ok := f.store[seq]; ok {
		rec.Resent = true
	}
}

// ResendableBefore returns every live sequence number strictly below n,
// in ascending order.
func (f *Inflight) ResendableBefore(n uint32) []uint32 {
	var out []uint32
	for _, s := range f.seqs {
		if s >= n {
			break
		}
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sequence numbers.
func (f *Inflight) Len() int {
	return len(f.seqs)
}
