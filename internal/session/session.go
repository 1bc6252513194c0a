// Package session implements the measurement harness: the per-test
// state machine, the in-flight tracker feeding it, and the registry
// that owns every live test of the process.
package session

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/aetherflow/ledbat/internal/ledbat"
	"github.com/aetherflow/ledbat/internal/protocol"
)

// Session is one measurement test between two peers, identified by the
// (local, remote) channel pair. The client owns all of the control
// logic: handshake, bulk send, ACK processing and loss detection. The
// server side only reflects DATA into ACKs.
//
// Every handler and timer callback serializes on mu, so controller
// updates, loss handling and retransmission for one event are observed
// atomically by the next.
type Session struct {
	mu      sync.Mutex
	logger  *zap.Logger
	owner   *Registry
	cfg     *Config
	metrics *Metrics

	id            xid.ID
	isClient      bool
	isInit        bool
	localChannel  uint32
	remoteChannel uint32
	remoteAddr    *net.UDPAddr

	lb       *ledbat.Controller
	inflight *Inflight
	nextSeq  uint32
	cntOOO   int

	chunksSent   uint64
	chunksResent uint64
	chunksAcked  uint64

	numInitSent    int
	numInitAckSent int

	hdlInitAck  *time.Timer
	hdlInitData *time.Timer
	hdlSend     *time.Timer
	hdlIdle     *time.Timer
	hdlStop     *time.Timer
	hdlSample   *time.Timer

	timeStart  time.Time
	timeLastRx time.Time
	disposed   bool

	csv *runLog
}

func newSession(owner *Registry, isClient bool, remote *net.UDPAddr, cfg *Config, metrics *Metrics, logger *zap.Logger) *Session {
	now := time.Now()
	s := &Session{
		logger:   logger,
		owner:    owner,
		cfg:      cfg,
		metrics:  metrics,
		id:       xid.New(),
		isClient: isClient,
		remoteAddr: &net.UDPAddr{
			IP:   append(net.IP(nil), remote.IP...),
			Port: remote.Port,
		},
		lb:       ledbat.New(cfg.Ledbat, now),
		inflight: NewInflight(),
		nextSeq:  1,
	}

	// Periodic check destroying the session once nothing was received
	// for the idle interval.
	s.hdlIdle = time.AfterFunc(cfg.TIdle, s.checkIdle)
	return s
}

// startInit begins the client handshake. Calling it on a server
// session or an already initialized one is a bug.
func (s *Session) startInit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isClient {
		panic("session: startInit on server session")
	}
	if s.isInit {
		panic("session: startInit on initialized session")
	}

	s.sendInitLocked()
	s.hdlInitAck = time.AfterFunc(s.cfg.TInitAck, s.initAckMissing)
}

func (s *Session) sendInitLocked() {
	hdr := protocol.Header{Type: protocol.MsgInit, RemoteChannel: 0, LocalChannel: s.localChannel}
	s.owner.send(hdr.Marshal(), s.remoteAddr)
	s.numInitSent++
	s.logger.Info("sent INIT",
		zap.String("session", s.id.String()),
		zap.Int("attempt", s.numInitSent))
}

func (s *Session) initAckMissing() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed || s.isInit {
		return
	}
	if s.numInitSent < maxHandshakeAttempts {
		s.sendInitLocked()
		s.hdlInitAck = time.AfterFunc(s.cfg.TInitAck, s.initAckMissing)
		return
	}
	s.logger.Info("INIT-ACK missing, giving up",
		zap.String("session", s.id.String()))
	s.disposeLocked()
}

// handleInitAck completes the client handshake. Duplicates after
// establishment are ignored.
func (s *Session) handleInitAck(remoteChannel uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	s.timeLastRx = time.Now()

	if s.isInit {
		return
	}
	s.remoteChannel = remoteChannel
	s.isInit = true
	stopTimer(s.hdlInitAck)

	s.logger.Info("test initialized",
		zap.String("session", s.id.String()),
		zap.Uint32("local_channel", s.localChannel),
		zap.Uint32("remote_channel", s.remoteChannel))

	s.startTestLocked()
}

func (s *Session) startTestLocked() {
	s.timeStart = time.Now()

	if s.cfg.MakeLog {
		csv, err := newRunLog(s.cfg.LogDir, s.timeStart, s.remoteAddr)
		if err != nil {
			s.logger.Warn("run log disabled", zap.Error(err))
		} else {
			s.csv = csv
		}
	}
	s.hdlSample = time.AfterFunc(sampleInterval, s.sampleTick)

	if s.cfg.Duration > 0 {
		s.hdlStop = time.AfterFunc(s.cfg.Duration, s.Stop)
	}

	s.logger.Info("starting test", zap.String("session", s.id.String()))
	s.hdlSend = time.AfterFunc(0, s.trySendTick)
}

// sendInitAck answers an INIT on the server side and arms the wait for
// the first DATA.
func (s *Session) sendInitAck() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendInitAckLocked()
	s.hdlInitData = time.AfterFunc(s.cfg.TInitData, s.initDataMissing)
}

func (s *Session) sendInitAckLocked() {
	hdr := protocol.Header{Type: protocol.MsgInit, RemoteChannel: s.remoteChannel, LocalChannel: s.localChannel}
	s.owner.send(hdr.Marshal(), s.remoteAddr)
	s.numInitAckSent++
	s.logger.Info("sent INIT-ACK",
		zap.String("session", s.id.String()),
		zap.Int("attempt", s.numInitAckSent))
}

func (s *Session) initDataMissing() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed || s.isInit {
		return
	}
	if s.numInitAckSent < maxHandshakeAttempts {
		s.sendInitAckLocked()
		s.hdlInitData = time.AfterFunc(s.cfg.TInitData, s.initDataMissing)
		return
	}
	s.logger.Info("no DATA after INIT-ACK, giving up",
		zap.String("session", s.id.String()))
	s.disposeLocked()
}

// trySendTick is the bulk-send poll: one chunk leaves per tick while
// the gate permits. Every tick consults the gate, including the one
// after a deferred poll, so nothing escapes while the gate says defer.
func (s *Session) trySendTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed || !s.isInit {
		return
	}
	now := time.Now()

	ok, wait := s.lb.TrySend(s.cfg.SzData, now)
	if ok {
		s.sendChunkLocked(now)
		s.hdlSend = time.AfterFunc(0, s.trySendTick)
		return
	}
	s.hdlSend = time.AfterFunc(wait, s.trySendTick)
}

// sendChunkLocked frames and transmits the next fresh chunk. The gate
// has already accounted for it.
func (s *Session) sendChunkLocked(now time.Time) {
	seq := s.nextSeq
	s.nextSeq++

	payload := bytes.Repeat([]byte{payloadFiller}, s.cfg.SzData)
	s.transmitChunkLocked(seq, payload, now)
	s.inflight.Add(seq, now, payload)

	s.chunksSent++
	if s.metrics != nil {
		s.metrics.chunksSent.WithLabelValues(s.id.String()).Inc()
	}
	if s.cfg.PrintEvery > 0 && s.chunksSent%uint64(s.cfg.PrintEvery) == 0 {
		s.logStatusLocked(now)
	}
}

// resendChunkLocked retransmits a live chunk under its original
// sequence number with a fresh timestamp.
func (s *Session) resendChunkLocked(seq uint32, now time.Time) {
	rec, ok := s.inflight.Get(seq)
	if !ok {
		return
	}
	s.transmitChunkLocked(seq, rec.Payload, now)
	s.inflight.MarkResent(seq)

	s.chunksResent++
	if s.metrics != nil {
		s.metrics.chunksResent.WithLabelValues(s.id.String()).Inc()
	}
}

func (s *Session) transmitChunkLocked(seq uint32, payload []byte, now time.Time) {
	hdr := protocol.Header{Type: protocol.MsgData, RemoteChannel: s.remoteChannel, LocalChannel: s.localChannel}
	msg := protocol.DataMsg{Seq: seq, Timestamp: uint64(now.UnixMicro()), Payload: payload}

	frame := append(hdr.Marshal(), msg.Marshal()...)
	s.owner.send(frame, s.remoteAddr)
}

// handleData reflects a received DATA chunk into an ACK carrying the
// measured one-way delay. The first DATA completes the server-side
// handshake.
func (s *Session) handleData(body []byte, rxTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	s.timeLastRx = time.Now()

	if !s.isClient && !s.isInit {
		stopTimer(s.hdlInitData)
		s.isInit = true
		s.logger.Info("got first data, test initialized",
			zap.String("session", s.id.String()))
	}

	var msg protocol.DataMsg
	if err := msg.Unmarshal(body); err != nil {
		s.logger.Warn("malformed DATA", zap.Error(err))
		return
	}

	delay := rxTime.UnixMicro() - int64(msg.Timestamp)
	if delay < 0 {
		delay = 0
	}
	s.sendAckLocked(msg.Seq, msg.Seq, []uint64{uint64(delay)})
}

func (s *Session) sendAckLocked(from, to uint32, delays []uint64) {
	hdr := protocol.Header{Type: protocol.MsgAck, RemoteChannel: s.remoteChannel, LocalChannel: s.localChannel}
	msg := protocol.AckMsg{From: from, To: to, Delays: delays}

	frame := append(hdr.Marshal(), msg.Marshal()...)
	s.owner.send(frame, s.remoteAddr)
}

// handleAck processes one ACK on the client: duplicate filtering,
// round-trip extraction, out-of-order based loss detection with
// retransmission, and the controller update.
func (s *Session) handleAck(body []byte, rxTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	s.timeLastRx = time.Now()

	var ack protocol.AckMsg
	if err := ack.Unmarshal(body); err != nil {
		s.logger.Warn("malformed ACK", zap.Error(err))
		return
	}

	earliest, live := s.inflight.PeekEarliest()
	if !live || ack.To < earliest {
		// Nothing outstanding at or below this range: duplicate.
		return
	}

	var rtts []time.Duration
	for seq := ack.From; seq <= ack.To; seq++ {
		var rec *Record
		if head, _ := s.inflight.PeekEarliest(); seq == head {
			rec, _ = s.inflight.PopEarliest()
		} else {
			var ok bool
			if rec, ok = s.inflight.Pop(seq); !ok {
				continue
			}
			s.cntOOO++
		}
		if !rec.Resent {
			rtts = append(rtts, rxTime.Sub(rec.SendTime))
		}
		s.chunksAcked++
		if s.metrics != nil {
			s.metrics.chunksAcked.WithLabelValues(s.id.String()).Inc()
		}
	}

	now := time.Now()
	if s.cntOOO > s.cfg.OOOThresh {
		for _, seq := range s.inflight.ResendableBefore(ack.To) {
			s.resendChunkLocked(seq, now)
		}
		s.lb.OnDataLoss(true, s.cfg.SzData, now)
		s.cntOOO = 0
	}

	delays := make([]float64, len(ack.Delays))
	for i, d := range ack.Delays {
		delays[i] = float64(d) / 1000 // wire carries microseconds
	}
	bytesAcked := int(ack.To-ack.From+1) * s.cfg.SzData
	s.lb.OnAck(bytesAcked, delays, rtts, now)
}

func (s *Session) checkIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	if s.timeLastRx.IsZero() || time.Since(s.timeLastRx) > s.cfg.TIdle {
		s.logger.Info("destroying idle session",
			zap.String("session", s.id.String()))
		s.disposeLocked()
		return
	}
	s.hdlIdle = time.AfterFunc(s.cfg.TInitAck, s.checkIdle)
}

func (s *Session) sampleTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}

	elapsed := time.Since(s.timeStart)
	if s.csv != nil {
		err := s.csv.sample(elapsed, s.chunksSent, s.chunksResent, s.chunksAcked,
			s.lb.Cwnd(), s.lb.Flightsize(), s.lb.QueuingDelay(),
			s.lb.Rtt(), s.lb.Srtt(), s.lb.Rttvar())
		if err != nil {
			s.logger.Warn("run log write failed", zap.Error(err))
		}
	}
	if s.metrics != nil {
		id := s.id.String()
		s.metrics.cwnd.WithLabelValues(id).Set(s.lb.Cwnd())
		s.metrics.flightsize.WithLabelValues(id).Set(s.lb.Flightsize())
		s.metrics.queuingDelay.WithLabelValues(id).Set(s.lb.QueuingDelay())
		s.metrics.rtt.WithLabelValues(id).Set(s.lb.Rtt().Seconds())
		s.metrics.srtt.WithLabelValues(id).Set(s.lb.Srtt().Seconds())
		s.metrics.rttvar.WithLabelValues(id).Set(s.lb.Rttvar().Seconds())
	}

	s.hdlSample = time.AfterFunc(sampleInterval, s.sampleTick)
}

func (s *Session) logStatusLocked(now time.Time) {
	elapsed := now.Sub(s.timeStart)
	if elapsed <= 0 {
		return
	}
	allSent := s.chunksSent + s.chunksResent
	s.logger.Info("status",
		zap.String("session", s.id.String()),
		zap.Duration("elapsed", elapsed),
		zap.Uint64("sent", allSent),
		zap.Uint64("resent", s.chunksResent),
		zap.Float64("tx_rate", float64(allSent)/elapsed.Seconds()))
	s.logger.Debug("controller",
		zap.String("session", s.id.String()),
		zap.Float64("cwnd", s.lb.Cwnd()),
		zap.Duration("cto", s.lb.CTO()),
		zap.Float64("queuing_delay", s.lb.QueuingDelay()),
		zap.Float64("flightsize", s.lb.Flightsize()))
}

// Stop logs the final state of the test and disposes the session.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	if !s.timeStart.IsZero() {
		s.logStatusLocked(time.Now())
	}
	s.disposeLocked()
}

// disposeLocked cancels every timer and removes the session from its
// owner. Timer callbacks firing afterwards see disposed and return.
func (s *Session) disposeLocked() {
	if s.disposed {
		return
	}
	s.disposed = true

	stopTimer(s.hdlInitAck)
	stopTimer(s.hdlInitData)
	stopTimer(s.hdlSend)
	stopTimer(s.hdlIdle)
	stopTimer(s.hdlStop)
	stopTimer(s.hdlSample)

	if s.csv != nil {
		if err := s.csv.close(); err != nil {
			s.logger.Warn("run log close failed", zap.Error(err))
		}
		s.csv = nil
	}
	if s.metrics != nil {
		s.metrics.forget(s.id.String())
	}

	s.logger.Info("disposing", zap.String("session", s.String()))
	s.owner.removeSession(s)
}

// String identifies the session in log output.
func (s *Session) String() string {
	return fmt.Sprintf("LC:%d RC:%d (%s)", s.localChannel, s.remoteChannel, s.remoteAddr)
}

// stopTimer is safe on nil and already-stopped timers.
func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
