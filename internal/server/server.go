// Package server implements the CoAP server core: UDP socket I/O, a
// bounded worker pool, and per-datagram routing through the message,
// request, blockwise, and observe layers, per spec.md §4.6 and §5.
// Grounded on the teacher's internal/serverudp.Start/Stop/packetLoop
// shape (ListenUDP, a running flag, one goroutine per read loop), with
// the bare `go packetLoop(...)` replaced by an errgroup-bounded worker
// pool and a rate.Limiter admission gate — backpressure the teacher
// never had.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"coapserver/internal/blockwise"
	"coapserver/internal/coap"
	"coapserver/internal/config"
	"coapserver/internal/messagelayer"
	"coapserver/internal/observe"
	"coapserver/internal/requestlayer"
	"coapserver/internal/resource"
	"coapserver/internal/telemetry/log"
	"coapserver/internal/telemetry/metrics"
)

const recvBufferSize = 2048

// datagram is one inbound read paired with its sender, handed from the
// socket-reading goroutine to a worker.
type datagram struct {
	data []byte
	peer netip.AddrPort
}

// Server is a running CoAP listener. The zero value is not usable; build
// one with New.
type Server struct {
	cfg      *config.ServerConfig
	registry resource.Registry
	logger   *log.Logger
	metrics  *metrics.Registry

	messages  *messagelayer.Layer
	requests  *requestlayer.Layer
	blockwise *blockwise.Coordinator
	observers *observe.Registry

	conn    net.PacketConn
	v4conn  *ipv4.PacketConn
	v6conn  *ipv6.PacketConn
	limiter *rate.Limiter

	srcMu sync.Mutex
	srcOf map[netip.AddrPort]net.IP // last-seen local destination per peer, for multi-homed replies

	queue chan datagram

	group  *errgroup.Group
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
}

// New wires every layer together over the given resource registry. reg
// may be nil, in which case a fresh resource.MapRegistry is used.
func New(cfg *config.ServerConfig, reg resource.Registry, logger *log.Logger, metricsReg *metrics.Registry) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if reg == nil {
		reg = resource.NewMapRegistry()
	}
	if logger == nil {
		logger = log.Default
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
		metrics:  metricsReg,
		srcOf:    make(map[netip.AddrPort]net.IP),
	}
	s.blockwise = blockwise.New(config.MaxPayload * 4) // allow a handful of blocks' worth of reassembly headroom
	s.observers = observe.New(s, metricsReg)
	s.messages = messagelayer.New(s, logger, metricsReg, cfg.Lifetime())
	s.messages.SetOnTimeout(s.observers.RemoveByPeerAndToken)
	s.requests = requestlayer.New(reg, s.blockwise, s.observers, logger, s.messages.NextMID)

	limit := rate.Inf
	if cfg.MaxDatagramsPS > 0 {
		limit = rate.Limit(cfg.MaxDatagramsPS)
	}
	s.limiter = rate.NewLimiter(limit, cfg.MaxDatagramsPS)
	return s
}

// AddResource registers r at path on the server's resource registry.
func (s *Server) AddResource(path string, r *resource.Resource) error {
	_, err := s.registry.Create(path, r)
	return err
}

// Notify pushes a fresh representation of res to every registered
// observer, per spec.md §4.5.
func (s *Server) Notify(res *resource.Resource) {
	s.observers.Notify(res, s.messages.NextMID)
}

// NotifyDeletion tells every observer of res that it is gone.
func (s *Server) NotifyDeletion(res *resource.Resource) {
	s.observers.NotifyDeletion(res.Path, s.messages.NextMID)
}

// Start binds addr ("host:port") and begins serving, per spec.md §4.6.
// It returns once the socket is bound; serving continues in background
// goroutines until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.conn = pc
	s.wrapControlMessages(pc)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	s.queue = make(chan datagram, s.cfg.QueueDepth)

	for i := 0; i < s.cfg.WorkerCount; i++ {
		g.Go(func() error { return s.workerLoop(gctx) })
	}
	g.Go(func() error { return s.recvLoop(gctx) })

	if s.cfg.MetricsAddr != "" && s.metrics != nil {
		g.Go(func() error { return s.serveMetrics(gctx) })
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.logger.WithField("addr", addr).Info("coap server listening")
	return nil
}

// wrapControlMessages enables per-packet destination-address control
// messages, so recvLoop can learn which local address a request arrived
// on and replies on a multi-homed host go out from that same address
// (SPEC_FULL.md §4's socket-setup slice of multicast support, distinct
// from multicast discovery which stays out of scope).
func (s *Server) wrapControlMessages(pc net.PacketConn) {
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		return
	}
	if strings.Contains(s.cfg.BindHost, ":") {
		s.v6conn = ipv6.NewPacketConn(udpConn)
		_ = s.v6conn.SetControlMessage(ipv6.FlagDst, true)
		return
	}
	s.v4conn = ipv4.NewPacketConn(udpConn)
	_ = s.v4conn.SetControlMessage(ipv4.FlagDst, true)
}

// Stop cancels every background goroutine and closes the socket,
// blocking until they exit.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.messages.Stop()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()
	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recvLoop reads datagrams off the socket and admits them to the worker
// queue, gated by s.limiter so a burst of malformed traffic cannot
// starve the exchange tables (new relative to the teacher, which had no
// backpressure at all).
func (s *Server) recvLoop(ctx context.Context) error {
	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, addr, dst, err := s.readFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		peer, perr := peerAddrPort(addr)
		if perr != nil {
			continue
		}
		if dst != nil {
			s.srcMu.Lock()
			s.srcOf[peer] = dst
			s.srcMu.Unlock()
		}

		if !s.limiter.Allow() {
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		select {
		case s.queue <- datagram{data: data, peer: peer}:
		case <-ctx.Done():
			return nil
		}
	}
}

// readFrom reads one datagram, reporting the local address it arrived
// on (via the IP_PKTINFO-style control message) when the socket was
// wrapped in wrapControlMessages.
func (s *Server) readFrom(buf []byte) (n int, addr net.Addr, dst net.IP, err error) {
	switch {
	case s.v4conn != nil:
		var cm *ipv4.ControlMessage
		n, cm, addr, err = s.v4conn.ReadFrom(buf)
		if cm != nil {
			dst = cm.Dst
		}
		return
	case s.v6conn != nil:
		var cm *ipv6.ControlMessage
		n, cm, addr, err = s.v6conn.ReadFrom(buf)
		if cm != nil {
			dst = cm.Dst
		}
		return
	default:
		n, addr, err = s.conn.ReadFrom(buf)
		return
	}
}

func peerAddrPort(addr net.Addr) (netip.AddrPort, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unexpected addr type %T", addr)
	}
	ip, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("invalid ip %v", udpAddr.IP)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(udpAddr.Port)), nil
}

func (s *Server) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case dg := <-s.queue:
			s.handleDatagram(dg)
		}
	}
}

// SendRaw implements messagelayer.Sender. When the peer's original
// destination address is known (recorded by recvLoop off the control
// message), the reply is sent from that same local address.
func (s *Server) SendRaw(peer netip.AddrPort, raw []byte) error {
	addr := net.UDPAddrFromAddrPort(peer)

	s.srcMu.Lock()
	src := s.srcOf[peer]
	s.srcMu.Unlock()

	switch {
	case src != nil && s.v4conn != nil:
		_, err := s.v4conn.WriteTo(raw, &ipv4.ControlMessage{Src: src}, addr)
		return err
	case src != nil && s.v6conn != nil:
		_, err := s.v6conn.WriteTo(raw, &ipv6.ControlMessage{Src: src}, addr)
		return err
	default:
		_, err := s.conn.WriteTo(raw, addr)
		return err
	}
}

// NotifyPeer implements observe.Notifier: encodes and sends an
// unsolicited notification, scheduling retransmission if it is CON.
func (s *Server) NotifyPeer(peer netip.AddrPort, m *coap.Message) error {
	raw := coap.Encode(m)
	if m.Type == coap.TypeConfirmable {
		s.messages.SendConfirmable(peer, m, raw)
		return nil
	}
	return s.SendRaw(peer, raw)
}

func (s *Server) serveMetrics(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: s.metrics.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
