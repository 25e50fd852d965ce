package source

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/internal/security"
)

// TCPConfig holds configuration for a tcp source.
type TCPConfig struct {
	// Address to bind to (e.g., "0.0.0.0:7070")
	Address string
	// Rate limit per client in lines per second, 0 for unlimited
	RateLimit int
	// TLS configuration for the listener, nil for plaintext
	TLS *security.TLSConfig
}

// TCPSource accepts serial-over-TCP bridges (ser2net and friends) and
// treats everything they send as the channel's diagnostic stream. A
// bridge may drop and reconnect; the channel only fails when the
// listener itself does.
type TCPSource struct {
	base
	config *TCPConfig
	logger *logging.Logger

	mu       sync.Mutex
	ln       net.Listener
	limiters map[string]*rate.Limiter
}

// NewTCPSource creates a tcp source for one channel.
func NewTCPSource(channel string, cfg *TCPConfig, bufferSize int, logger *logging.Logger) *TCPSource {
	return &TCPSource{
		base:   newBase(channel, "tcp", bufferSize),
		config: cfg,
		logger: logger.WithComponent("source-tcp").WithChannel(channel),
	}
}

// Open binds the listener and starts accepting bridges.
func (s *TCPSource) Open(ctx context.Context) error {
	var ln net.Listener
	var tlsConfig *tls.Config
	var err error

	if s.config.TLS != nil {
		tlsConfig, err = security.LoadTLSConfig(s.config.TLS)
		if err != nil {
			return &ChannelError{Channel: s.channel, Op: "open", Err: err}
		}
	}

	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", s.config.Address, tlsConfig)
	} else {
		ln, err = net.Listen("tcp", s.config.Address)
	}
	if err != nil {
		return &ChannelError{Channel: s.channel, Op: "open", Err: err}
	}

	s.mu.Lock()
	s.ln = ln
	s.limiters = make(map[string]*rate.Limiter)
	s.mu.Unlock()

	readCtx := s.begin()
	s.wg.Add(1)
	go s.acceptLoop(readCtx, ln)

	s.logger.Info().
		Str("address", s.config.Address).
		Bool("tls", tlsConfig != nil).
		Msg("TCP listener started")

	return nil
}

// acceptLoop accepts bridge connections until the listener closes.
func (s *TCPSource) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("Listener failed")
			s.fail("accept", err)
			return
		}

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads lines from one bridge. A dead bridge is not a channel
// failure: the firmware side usually reconnects after a power cycle.
func (s *TCPSource) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	clientAddr := conn.RemoteAddr().String()
	s.logger.Debug().Str("client", clientAddr).Msg("Bridge connected")

	// Unblock the pending read on teardown
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		conn.Close()
	}()

	limiter := s.getRateLimiter(clientAddr)
	defer s.dropRateLimiter(clientAddr)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if limiter != nil && !limiter.Allow() {
			s.logger.Warn().Str("client", clientAddr).Msg("Rate limit exceeded")
			continue
		}

		s.emit(scanner.Text())
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("client", clientAddr).Msg("Bridge read ended")
	}
	s.logger.Debug().Str("client", clientAddr).Msg("Bridge disconnected")
}

// Addr returns the bound listener address, useful when the configured
// port is 0.
func (s *TCPSource) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// getRateLimiter gets or creates a rate limiter for a client.
func (s *TCPSource) getRateLimiter(clientAddr string) *rate.Limiter {
	if s.config.RateLimit <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[clientAddr]
	if !exists {
		// RateLimit lines per second, burst of 2x
		limiter = rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateLimit*2)
		s.limiters[clientAddr] = limiter
	}
	return limiter
}

func (s *TCPSource) dropRateLimiter(clientAddr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, clientAddr)
}

// Close stops the listener and every bridge connection.
func (s *TCPSource) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	s.teardown(func() {
		if ln != nil {
			ln.Close()
		}
	})
	return nil
}
