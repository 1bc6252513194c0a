package session

import (
	"bytes"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/ledbat/internal/protocol"
	"github.com/aetherflow/ledbat/internal/transport"
)

func newTestRegistry(t *testing.T, isClient bool, cfg *Config) *Registry {
	t.Helper()
	conn, err := transport.Listen("127.0.0.1:0", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open test socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return NewRegistry(conn, isClient, cfg, nil, zap.NewNop())
}

// newEstablishedClient wires an already-established client session
// pointed at a discard address, skipping the handshake.
func newEstablishedClient(t *testing.T, r *Registry) *Session {
	t.Helper()
	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	s := newSession(r, true, remote, r.cfg, nil, zap.NewNop())
	s.localChannel = 1
	s.remoteChannel = 2
	s.isInit = true
	s.timeStart = time.Now()

	r.mu.Lock()
	r.sessions[s.localChannel] = s
	r.mu.Unlock()
	return s
}

func seedInflight(s *Session, from, to uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := bytes.Repeat([]byte{payloadFiller}, s.cfg.SzData)
	now := time.Now()
	for seq := from; seq <= to; seq++ {
		s.inflight.Add(seq, now, payload)
		s.nextSeq = seq + 1
	}
}

func ackBody(from, to uint32, delays ...uint64) []byte {
	msg := protocol.AckMsg{From: from, To: to, Delays: delays}
	return msg.Marshal()
}

func TestOutOfOrderAcksTriggerRetransmission(t *testing.T) {
	r := newTestRegistry(t, true, nil)
	s := newEstablishedClient(t, r)
	seedInflight(s, 1, 10)

	// ACK 5..8 individually while 1..4 stay unacknowledged. The fourth
	// out-of-order ACK crosses the threshold.
	for _, seq := range []uint32{5, 6, 7, 8} {
		s.handleAck(ackBody(seq, seq, 5000), time.Now())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chunksResent != 4 {
		t.Errorf("chunksResent = %d, want 4", s.chunksResent)
	}
	if s.chunksAcked != 4 {
		t.Errorf("chunksAcked = %d, want 4", s.chunksAcked)
	}
	if s.cntOOO != 0 {
		t.Errorf("cntOOO = %d, want reset to 0", s.cntOOO)
	}
	for seq := uint32(1); seq <= 4; seq++ {
		rec, ok := s.inflight.Get(seq)
		if !ok {
			t.Fatalf("seq %d should still be live", seq)
		}
		if !rec.Resent {
			t.Errorf("seq %d should be marked resent", seq)
		}
	}
	if s.inflight.Len() != 6 {
		t.Errorf("inflight len = %d, want 6", s.inflight.Len())
	}
}

func TestThirdOutOfOrderAckDoesNotFire(t *testing.T) {
	r := newTestRegistry(t, true, nil)
	s := newEstablishedClient(t, r)
	seedInflight(s, 1, 10)

	for _, seq := range []uint32{5, 6, 7} {
		s.handleAck(ackBody(seq, seq, 5000), time.Now())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunksResent != 0 {
		t.Errorf("chunksResent = %d, want 0 below the threshold", s.chunksResent)
	}
	if s.cntOOO != 3 {
		t.Errorf("cntOOO = %d, want 3", s.cntOOO)
	}
}

func TestDuplicateAckIsDropped(t *testing.T) {
	r := newTestRegistry(t, true, nil)
	s := newEstablishedClient(t, r)
	seedInflight(s, 5, 7)

	s.handleAck(ackBody(2, 3, 5000), time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunksAcked != 0 {
		t.Errorf("chunksAcked = %d, want 0 after duplicate", s.chunksAcked)
	}
	if s.inflight.Len() != 3 {
		t.Errorf("inflight len = %d, want untouched 3", s.inflight.Len())
	}
}

func TestSameAckTwiceIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, true, nil)
	s := newEstablishedClient(t, r)
	seedInflight(s, 5, 7)

	s.handleAck(ackBody(5, 5, 5000), time.Now())
	first := snapshot(s)

	s.handleAck(ackBody(5, 5, 5000), time.Now())
	second := snapshot(s)

	if first != second {
		t.Errorf("state after duplicate ACK = %+v, want %+v", second, first)
	}
}

type ackState struct {
	acked    uint64
	resent   uint64
	inflight int
	cwnd     float64
}

func snapshot(s *Session) ackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ackState{
		acked:    s.chunksAcked,
		resent:   s.chunksResent,
		inflight: s.inflight.Len(),
		cwnd:     s.lb.Cwnd(),
	}
}

func TestResentChunkYieldsNoRttSample(t *testing.T) {
	r := newTestRegistry(t, true, nil)
	s := newEstablishedClient(t, r)
	seedInflight(s, 1, 1)

	s.mu.Lock()
	s.inflight.MarkResent(1)
	s.mu.Unlock()

	s.handleAck(ackBody(1, 1, 5000), time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lb.Rtt() != 0 {
		t.Errorf("rtt = %v, want no sample from a resent chunk", s.lb.Rtt())
	}
	if s.chunksAcked != 1 {
		t.Errorf("chunksAcked = %d, want 1", s.chunksAcked)
	}
}

func TestMalformedAckIsIgnored(t *testing.T) {
	r := newTestRegistry(t, true, nil)
	s := newEstablishedClient(t, r)
	seedInflight(s, 1, 3)

	s.handleAck([]byte{1, 2, 3}, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight.Len() != 3 {
		t.Errorf("inflight len = %d, want untouched 3", s.inflight.Len())
	}
}

func TestDeferredTickDoesNotBypassGate(t *testing.T) {
	r := newTestRegistry(t, true, nil)
	s := newEstablishedClient(t, r)

	// Measured RTT, outstanding data, and two seconds of silence: the
	// gate is in extreme congestion and the window has collapsed.
	past := time.Now().Add(-2 * time.Second)
	s.mu.Lock()
	s.lb.OnAck(0, []float64{10}, []time.Duration{100 * time.Millisecond}, past)
	s.lb.NoteSent(s.cfg.SzData, past)
	s.mu.Unlock()

	// Repeated polls, including the ones right after a deferral, must
	// not let a single chunk out.
	for i := 0; i < 5; i++ {
		s.trySendTick()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunksSent != 0 {
		t.Errorf("chunksSent = %d, want 0 during extreme congestion", s.chunksSent)
	}
	if fs, cw := s.lb.Flightsize(), s.lb.Cwnd(); fs > cw {
		t.Errorf("flightsize %v exceeds cwnd %v", fs, cw)
	}
	if s.lb.CTO() != 2*time.Second {
		t.Errorf("cto = %v, want doubled once to 2s", s.lb.CTO())
	}
	s.disposeLocked()
}

func TestSendPressureStopsAtCwnd(t *testing.T) {
	r := newTestRegistry(t, true, nil)
	s := newEstablishedClient(t, r)

	// A measured controller sitting at the cwnd floor with a fresh ACK.
	s.mu.Lock()
	s.lb.OnAck(0, []float64{10}, []time.Duration{100 * time.Millisecond}, time.Now())
	cwnd := s.lb.Cwnd()
	s.mu.Unlock()

	for i := 0; i < 10; i++ {
		s.trySendTick()
	}
	// Let the self-rescheduled zero-delay ticks drain too.
	time.Sleep(50 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	if want := uint64(cwnd) / uint64(s.cfg.SzData); s.chunksSent != want {
		t.Errorf("chunksSent = %d, want %d inside a %v-byte window", s.chunksSent, want, cwnd)
	}
	if fs, cw := s.lb.Flightsize(), s.lb.Cwnd(); fs > cw {
		t.Errorf("flightsize %v exceeds cwnd %v", fs, cw)
	}
	s.disposeLocked()
}

func TestClientHandshakeGivesUpAfterThreeAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TInitAck = 20 * time.Millisecond
	r := newTestRegistry(t, true, cfg)

	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	s, err := r.StartTest(remote)
	if err != nil {
		t.Fatalf("StartTest failed: %v", err)
	}

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not give up on the handshake")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.numInitSent != maxHandshakeAttempts {
		t.Errorf("numInitSent = %d, want %d", s.numInitSent, maxHandshakeAttempts)
	}
	if !s.disposed {
		t.Error("session should be disposed")
	}
	if r.Count() != 0 {
		t.Errorf("registry count = %d, want 0", r.Count())
	}
}

func TestDuplicateInitAckIsIgnored(t *testing.T) {
	r := newTestRegistry(t, true, nil)
	s := newEstablishedClient(t, r)

	s.handleInitAck(99)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteChannel != 2 {
		t.Errorf("remoteChannel = %d, want untouched 2", s.remoteChannel)
	}
}

func TestStartInitOnServerSessionPanics(t *testing.T) {
	r := newTestRegistry(t, false, nil)
	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	s := newSession(r, false, remote, r.cfg, nil, zap.NewNop())
	defer s.Stop()

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	s.startInit()
}

func TestServerReflectsDataIntoAck(t *testing.T) {
	r := newTestRegistry(t, false, nil)

	// A sink socket playing the client, so the ACK can be observed.
	sink, err := transport.Listen("127.0.0.1:0", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sink: %v", err)
	}
	defer sink.Close()

	got := make(chan []byte, 1)
	go sink.Serve(func(data []byte, _ *net.UDPAddr, _ time.Time) {
		select {
		case got <- data:
		default:
		}
	})

	s := newSession(r, false, sink.LocalAddr(), r.cfg, nil, zap.NewNop())
	s.localChannel = 10
	s.remoteChannel = 20
	r.mu.Lock()
	r.sessions[s.localChannel] = s
	r.mu.Unlock()

	sent := time.Now().Add(-15 * time.Millisecond)
	data := protocol.DataMsg{Seq: 3, Timestamp: uint64(sent.UnixMicro()), Payload: []byte{payloadFiller}}
	s.handleData(data.Marshal(), time.Now())

	select {
	case frame := <-got:
		var hdr protocol.Header
		if err := hdr.Unmarshal(frame); err != nil {
			t.Fatalf("bad ACK header: %v", err)
		}
		if hdr.Type != protocol.MsgAck {
			t.Fatalf("type = %d, want ACK", hdr.Type)
		}
		if hdr.RemoteChannel != 20 || hdr.LocalChannel != 10 {
			t.Errorf("channels = %d/%d, want 20/10", hdr.RemoteChannel, hdr.LocalChannel)
		}
		var ack protocol.AckMsg
		if err := ack.Unmarshal(frame[protocol.HeaderSize:]); err != nil {
			t.Fatalf("bad ACK body: %v", err)
		}
		if ack.From != 3 || ack.To != 3 {
			t.Errorf("ack range = [%d,%d], want [3,3]", ack.From, ack.To)
		}
		if len(ack.Delays) != 1 {
			t.Fatalf("delays = %v, want one sample", ack.Delays)
		}
		if ack.Delays[0] < 10000 {
			t.Errorf("delay = %dus, want >= 10ms", ack.Delays[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ACK observed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isInit {
		t.Error("first DATA should initialize the server session")
	}
}

func TestStopDisposesSessionOnce(t *testing.T) {
	r := newTestRegistry(t, true, nil)
	s := newEstablishedClient(t, r)

	s.Stop()
	s.Stop() // second stop must be a no-op

	if r.Count() != 0 {
		t.Errorf("registry count = %d, want 0", r.Count())
	}
}
