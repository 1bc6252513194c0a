package session

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aetherflow/ledbat/internal/protocol"
	"github.com/aetherflow/ledbat/internal/transport"
)

// Registry owns every live session of one process and routes inbound
// datagrams to them by the recipient channel id. It is the sole
// mutator of the channel map.
type Registry struct {
	logger   *zap.Logger
	conn     *transport.Conn
	cfg      *Config
	metrics  *Metrics
	isClient bool

	mu       sync.Mutex
	sessions map[uint32]*Session

	done     chan struct{}
	doneOnce sync.Once

	// Caps the noise from malformed or misrouted datagrams.
	warnRate rate.Sometimes
}

// NewRegistry creates a registry for one role. A nil config uses the
// defaults; metrics may be nil.
func NewRegistry(conn *transport.Conn, isClient bool, cfg *Config, metrics *Metrics, logger *zap.Logger) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Registry{
		logger:   logger,
		conn:     conn,
		cfg:      cfg,
		metrics:  metrics,
		isClient: isClient,
		sessions: make(map[uint32]*Session),
		done:     make(chan struct{}),
		warnRate: rate.Sometimes{First: 5, Interval: time.Second},
	}
}

// HandleDatagram dispatches one inbound datagram. It satisfies
// transport.Handler.
func (r *Registry) HandleDatagram(data []byte, addr *net.UDPAddr, rxTime time.Time) {
	var hdr protocol.Header
	if err := hdr.Unmarshal(data); err != nil {
		r.warnRate.Do(func() {
			r.logger.Warn("dropping malformed datagram",
				zap.Stringer("from", addr), zap.Error(err))
		})
		return
	}
	body := data[protocol.HeaderSize:]

	if r.isClient {
		r.dispatchClient(&hdr, body, addr, rxTime)
	} else {
		r.dispatchServer(&hdr, body, addr, rxTime)
	}
}

func (r *Registry) dispatchClient(hdr *protocol.Header, body []byte, addr *net.UDPAddr, rxTime time.Time) {
	if hdr.Type == protocol.MsgInit && hdr.RemoteChannel == 0 {
		r.warnRate.Do(func() {
			r.logger.Warn("client should not receive INIT", zap.Stringer("from", addr))
		})
		return
	}

	s := r.lookup(hdr.RemoteChannel)
	if s == nil {
		r.warnRate.Do(func() {
			r.logger.Warn("no session for channel",
				zap.Uint32("channel", hdr.RemoteChannel), zap.Stringer("from", addr))
		})
		return
	}

	switch hdr.Type {
	case protocol.MsgInit:
		s.handleInitAck(hdr.LocalChannel)
	case protocol.MsgData:
		r.warnRate.Do(func() {
			r.logger.Warn("client should not receive DATA", zap.Stringer("from", addr))
		})
	case protocol.MsgAck:
		s.handleAck(body, rxTime)
	}
}

func (r *Registry) dispatchServer(hdr *protocol.Header, body []byte, addr *net.UDPAddr, rxTime time.Time) {
	if hdr.Type == protocol.MsgInit && hdr.RemoteChannel == 0 {
		r.acceptInit(hdr.LocalChannel, addr)
		return
	}

	s := r.lookup(hdr.RemoteChannel)
	if s == nil {
		r.warnRate.Do(func() {
			r.logger.Warn("no session for channel",
				zap.Uint32("channel", hdr.RemoteChannel), zap.Stringer("from", addr))
		})
		return
	}

	switch hdr.Type {
	case protocol.MsgInit:
		r.warnRate.Do(func() {
			r.logger.Warn("server should not receive INIT-ACK", zap.Stringer("from", addr))
		})
	case protocol.MsgData:
		s.handleData(body, rxTime)
	case protocol.MsgAck:
		r.warnRate.Do(func() {
			r.logger.Warn("server should not receive ACK", zap.Stringer("from", addr))
		})
	}
}

// acceptInit spawns a server session answering a fresh INIT.
func (r *Registry) acceptInit(theirChannel uint32, addr *net.UDPAddr) {
	s := newSession(r, false, addr, r.cfg, r.metrics, r.logger)
	s.remoteChannel = theirChannel

	r.mu.Lock()
	s.localChannel = r.allocateChannelLocked()
	r.sessions[s.localChannel] = s
	r.mu.Unlock()

	r.logger.Info("accepted test", zap.String("session", s.String()))
	s.sendInitAck()
}

// StartTest opens a client session towards remote and begins the
// handshake.
func (r *Registry) StartTest(remote *net.UDPAddr) (*Session, error) {
	if !r.isClient {
		return nil, errors.New("only a client registry starts tests")
	}

	s := newSession(r, true, remote, r.cfg, r.metrics, r.logger)

	r.mu.Lock()
	s.localChannel = r.allocateChannelLocked()
	r.sessions[s.localChannel] = s
	r.mu.Unlock()

	s.startInit()
	return s, nil
}

// allocateChannelLocked picks an unused channel id in [1, 65534].
func (r *Registry) allocateChannelLocked() uint32 {
	for {
		ch := uint32(rand.Intn(65534) + 1)
		if _, taken := r.sessions[ch]; !taken {
			return ch
		}
	}
}

func (r *Registry) lookup(channel uint32) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[channel]
}

// removeSession drops a disposed session. When the last client
// session goes, Done is signalled so the driver can shut down.
func (r *Registry) removeSession(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.localChannel)
	remaining := len(r.sessions)
	r.mu.Unlock()

	if r.isClient && remaining == 0 {
		r.logger.Info("last test removed, closing client")
		r.doneOnce.Do(func() { close(r.done) })
	}
}

// Done is closed when the last client session is removed.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StopAll stops and disposes every live session.
func (r *Registry) StopAll() {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		s.Stop()
	}
}

// send writes one frame to the socket, logging failures instead of
// propagating them: datagram loss is part of normal operation here.
func (r *Registry) send(data []byte, addr *net.UDPAddr) {
	if err := r.conn.SendTo(data, addr); err != nil {
		r.warnRate.Do(func() {
			r.logger.Warn("send failed", zap.Stringer("to", addr), zap.Error(err))
		})
	}
}
