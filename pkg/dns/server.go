package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"

	"github.com/miekg/dns"
)

const maxDatagramSize = 65535

// Server feeds datagrams from the UDP and TCP listeners into a Pipeline.
type Server struct {
	cfg      *config.ServerConfig
	pipeline *Pipeline
	logger   *logging.Logger

	mu        sync.RWMutex
	running   bool
	udpConn   net.PacketConn
	tcpServer *dns.Server
	tcpLn     net.Listener

	wg sync.WaitGroup
}

// NewServer creates a DNS server for the given pipeline
func NewServer(cfg *config.ServerConfig, pipeline *Pipeline, logger *logging.Logger) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Start binds the configured listeners and serves until ctx is cancelled
// or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	if s.cfg.UDPEnabled {
		conn, err := net.ListenPacket("udp", s.cfg.ListenAddress)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("UDP listen failed: %w", err)
		}
		s.udpConn = conn
	}

	if s.cfg.TCPEnabled {
		ln, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err != nil {
			if s.udpConn != nil {
				_ = s.udpConn.Close()
				s.udpConn = nil
			}
			s.mu.Unlock()
			return fmt.Errorf("TCP listen failed: %w", err)
		}
		s.tcpLn = ln
		s.tcpServer = &dns.Server{
			Listener:       ln,
			Net:            "tcp",
			Handler:        dns.HandlerFunc(s.serveTCP),
			DecorateReader: s.checkedReader,
			// Frames reaching miekg have already passed Decode
			MsgAcceptFunc: func(dns.Header) dns.MsgAcceptAction { return dns.MsgAccept },
		}
	}

	s.running = true
	udpConn, tcpSrv := s.udpConn, s.tcpServer
	s.mu.Unlock()

	errChan := make(chan error, 2)

	if udpConn != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("Starting UDP DNS server", "address", udpConn.LocalAddr().String())
			if err := s.serveUDP(udpConn); err != nil {
				errChan <- fmt.Errorf("UDP server failed: %w", err)
			}
		}()
	}

	if tcpSrv != nil {
		go func() {
			s.logger.Info("Starting TCP DNS server", "address", tcpSrv.Listener.Addr().String())
			if err := tcpSrv.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
				errChan <- fmt.Errorf("TCP server failed: %w", err)
			}
		}()
	}

	s.logger.Info("DNS server started",
		"address", s.cfg.ListenAddress,
		"udp", s.cfg.UDPEnabled,
		"tcp", s.cfg.TCPEnabled,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		_ = s.Shutdown(context.Background())
		return err
	}
}

// Shutdown closes the listeners and waits for in-flight datagrams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false

	var errs []error

	if s.udpConn != nil {
		if err := s.udpConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("UDP shutdown: %w", err))
		}
	}

	if s.tcpServer != nil {
		// ShutdownContext fails when ActivateAndServe has not run yet;
		// closing the listener covers that case.
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			s.logger.Debug("TCP server shutdown", "error", err)
		}
		_ = s.tcpLn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for in-flight queries: %w", ctx.Err()))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	s.logger.Info("DNS server shut down successfully")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// UDPAddr returns the bound UDP address, or nil before Start.
func (s *Server) UDPAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil before Start.
func (s *Server) TCPAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// serveUDP reads datagrams until conn is closed. Each datagram is handled
// in its own goroutine.
func (s *Server) serveUDP(conn net.PacketConn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Warn("UDP read error", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		s.wg.Add(1)
		go s.handleDatagram(conn, addr, raw)
	}
}

func (s *Server) handleDatagram(conn net.PacketConn, addr net.Addr, raw []byte) {
	defer s.wg.Done()
	defer s.recoverPanic(addr)

	out, ok := s.pipeline.HandlePacket(context.Background(), raw, hostOf(addr))
	if !ok {
		return
	}
	if _, err := conn.WriteTo(out, addr); err != nil {
		// Client went away; nothing to report back
		s.logger.Debug("Failed to write UDP response", "client", addr.String(), "error", err)
	}
}

// checkedReader screens TCP frames before miekg unpacks them, so a
// malformed frame is counted and skipped without a FORMERR reply, exactly
// as on UDP. The connection stays open for the next frame.
func (s *Server) checkedReader(r dns.Reader) dns.Reader {
	return tcpFrameReader{Reader: r, pipeline: s.pipeline}
}

type tcpFrameReader struct {
	dns.Reader
	pipeline *Pipeline
}

func (r tcpFrameReader) ReadTCP(conn net.Conn, timeout time.Duration) ([]byte, error) {
	for {
		m, err := r.Reader.ReadTCP(conn, timeout)
		if err != nil {
			return nil, err
		}
		if _, err := Decode(m); err != nil {
			r.pipeline.dropMalformed(context.Background(), hostOf(conn.RemoteAddr()), err)
			continue
		}
		return m, nil
	}
}

// serveTCP adapts miekg/dns's handler to the byte-oriented pipeline.
func (s *Server) serveTCP(w dns.ResponseWriter, r *dns.Msg) {
	defer s.recoverPanic(w.RemoteAddr())

	raw, err := r.Pack()
	if err != nil {
		s.logger.Debug("Failed to repack TCP query", "error", err)
		return
	}

	out, ok := s.pipeline.HandlePacket(context.Background(), raw, hostOf(w.RemoteAddr()))
	if !ok {
		return
	}
	if _, err := w.Write(out); err != nil {
		s.logger.Debug("Failed to write TCP response", "error", err)
	}
}

func (s *Server) recoverPanic(addr net.Addr) {
	if r := recover(); r != nil {
		client := "unknown"
		if addr != nil {
			client = addr.String()
		}
		s.logger.Error("Recovered from panic while handling query", "client", client, "panic", r)
	}
}

// hostOf extracts the IP portion of a UDP or TCP remote address.
func hostOf(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err == nil {
		return host
	}
	return addr.String()
}
