// Package transport provides the UDP datagram socket the measurement
// protocol runs over.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultReadBufferSize is the default size for the UDP read buffer
	DefaultReadBufferSize = 2 * 1024 * 1024

	// DefaultWriteBufferSize is the default size for the UDP write buffer
	DefaultWriteBufferSize = 2 * 1024 * 1024

	// maxDatagramSize bounds a single inbound datagram
	maxDatagramSize = 64 * 1024
)

// Handler consumes one inbound datagram. rxTime is taken immediately
// after the read returns.
type Handler func(data []byte, addr *net.UDPAddr, rxTime time.Time)

// Config contains configuration for the socket.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig returns the socket defaults.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}
}

// Statistics holds socket counters.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Errors          uint64
}

// Conn wraps an unconnected UDP socket shared by every session of the
// process. Writes may come from any goroutine; reads happen only on
// the Serve loop.
type Conn struct {
	udpConn *net.UDPConn
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	stats  Statistics
}

// Listen opens the UDP socket on the given address. A nil config uses
// the defaults.
func Listen(address string, cfg *Config, logger *zap.Logger) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen UDP: %w", err)
	}

	if err := udpConn.SetReadBuffer(cfg.ReadBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to set read buffer: %w", err)
	}
	if err := udpConn.SetWriteBuffer(cfg.WriteBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to set write buffer: %w", err)
	}

	return &Conn{
		udpConn: udpConn,
		logger:  logger,
	}, nil
}

// SendTo writes one datagram to addr.
func (c *Conn) SendTo(data []byte, addr *net.UDPAddr) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	c.mu.Unlock()

	n, err := c.udpConn.WriteToUDP(data, addr)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.stats.Errors++
		return fmt.Errorf("failed to send datagram: %w", err)
	}
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(n)
	return nil
}

// Serve reads datagrams until the socket is closed, handing each to
// handler. The handler runs on the serve goroutine and must not block.
func (c *Conn) Serve(handler Handler) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := c.udpConn.ReadFromUDP(buf)
		if err != nil {
			if c.IsClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.mu.Lock()
			c.stats.Errors++
			c.mu.Unlock()
			c.logger.Warn("read error", zap.Error(err))
			continue
		}
		rxTime := time.Now()

		c.mu.Lock()
		c.stats.PacketsReceived++
		c.stats.BytesReceived += uint64(n)
		c.mu.Unlock()

		data := make([]byte, n)
		copy(data, buf[:n])
		handler(data, addr, rxTime)
	}
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.udpConn.LocalAddr().(*net.UDPAddr)
}

// Statistics returns a copy of the socket counters.
func (c *Conn) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close shuts the socket down; Serve returns afterwards.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.udpConn.Close()
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
