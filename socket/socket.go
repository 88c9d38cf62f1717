package socket

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pgm-go/pgm/internal/metrics"
	"github.com/pgm-go/pgm/internal/pgmtime"
	"github.com/pgm-go/pgm/internal/rxengine"
	"github.com/pgm-go/pgm/internal/rxw"
	"github.com/pgm-go/pgm/internal/srcengine"
	"github.com/pgm-go/pgm/pkg/logger"
	"github.com/pgm-go/pgm/pkg/wire"
)

// Mode selects which half of the engine a socket runs, per the
// SEND_ONLY/RCV_ONLY/PASSIVE option group.
type Mode int

const (
	ModeDuplex Mode = iota
	ModeSendOnly
	ModeRecvOnly
	ModePassive // receives but never emits NAKs
)

// Socket is one PGM transport-session endpoint: a UDP-encapsulated
// multicast conn shared by at most one source engine and one receiver
// engine, guarded by a reader-writer lock per spec.md §5 so every public
// entry point can run concurrently with itself except destruction.
type Socket struct {
	mu     sync.RWMutex
	closed bool

	mode Mode

	conn      *net.UDPConn
	group     *net.UDPAddr
	iface     *net.Interface
	connected *net.UDPAddr // set by Connect, nil otherwise

	tsi wire.TSI
	nla wire.NLA

	src *srcengine.Engine
	rx  *rxengine.Engine

	scheduler *pgmtime.Scheduler
	metrics   *metrics.Engine
	log       *logger.Entry

	opts runtimeOptions

	noBlock bool

	incoming chan deliveredAPDU
	done     chan struct{}
	wg       sync.WaitGroup
}

type deliveredAPDU struct {
	tsi     wire.TSI
	payload []byte
	err     error
}

// New creates an unbound socket. Call Bind before Send/Recv.
func New(mode Mode) *Socket {
	now := time.Now()
	m := metrics.New()
	tsi := wire.TSI{GSI: wire.NewGSI(), SourcePort: 0}

	s := &Socket{
		mode:      mode,
		tsi:       tsi,
		metrics:   m,
		scheduler: pgmtime.NewScheduler(),
		log:       logger.ForComponent("socket"),
		opts:      defaultRuntimeOptions(),
		incoming:  make(chan deliveredAPDU, 256),
		done:      make(chan struct{}),
	}

	if mode == ModeDuplex || mode == ModeSendOnly {
		s.src = srcengine.New(srcengine.Config{
			MaxTSDU:            s.opts.maxTSDU(),
			AmbientSPMInterval: s.opts.ambientSPM,
			HeartbeatSchedule:  s.opts.heartbeatSPM,
			FECGroupSize:       s.opts.fecGroupSize,
			FECProactive:       s.opts.fecProactive,
			FECOnDemand:        s.opts.fecOnDemand,
		}, tsi, wire.NLA{}, s.opts.txwSqns, m, now)
	}
	if mode != ModeSendOnly {
		s.rx = rxengine.New(rxengine.Config{
			RXW: rxw.Config{
				Capacity:     s.opts.rxwSqns,
				MaxAPDU:      s.opts.maxAPDU,
				MaxFragments: s.opts.maxFragments,
				FECGroupSize: s.opts.fecGroupSize,
			},
			PeerExpiry:     s.opts.peerExpiry,
			NAKBackoffIVL:  s.opts.nakBackoffIVL,
			NAKRepeatIVL:   s.opts.nakRepeatIVL,
			NAKDataIVL:     s.opts.nakRDataIVL,
			NAKDataRetries: s.opts.nakDataRetries,
			AbortOnReset:   s.opts.abortOnReset,
			Passive:        mode == ModePassive,
		}, m)
	}
	return s
}

// Bind joins the multicast group on the given interface and starts the
// UDP-encapsulated listener. Per spec.md's lifecycle, option changes
// after Bind that affect wire framing (MTU, windows) are rejected.
func (s *Socket) Bind(laddr *net.UDPAddr, group net.IP, iface *net.Interface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBadDescriptor
	}
	if s.conn != nil {
		return fmt.Errorf("%w: socket already bound", ErrInvalidArgument)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSystem, err)
	}
	s.conn = conn
	s.iface = iface
	s.group = &net.UDPAddr{IP: group, Port: laddr.Port}
	s.tsi.SourcePort = uint16(conn.LocalAddr().(*net.UDPAddr).Port)

	if group != nil {
		if err := joinMulticastGroup(conn, group, iface); err != nil {
			return fmt.Errorf("%w: %v", ErrSystem, err)
		}
	}

	if err := applyMulticastSockopts(conn, s.opts); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.readLoop()
	s.wg.Add(1)
	go s.timerLoop()
	return nil
}

// Connect records a default peer address used when the caller later
// specifies no explicit destination. PGM's primary use is multicast, so
// this is optional bookkeeping, not a stream handshake.
func (s *Socket) Connect(raddr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBadDescriptor
	}
	s.connected = raddr
	return nil
}

// Send emits buffer as one APDU, fragmenting per MTU as needed. On a
// non-blocking socket, a full rate bucket returns ErrRateLimited instead
// of blocking; the same buffer can be retried unchanged.
func (s *Socket) Send(buffer []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.conn == nil {
		return ErrBadDescriptor
	}
	if s.src == nil {
		return fmt.Errorf("%w: socket is receive-only", ErrInvalidArgument)
	}

	for {
		now := time.Now()
		_, _, frames, err := s.src.Send(buffer, now)
		if err == nil {
			for _, frame := range frames {
				s.writeRaw(frame, s.group)
			}
			return nil
		}
		if s.noBlock {
			return mapSendErr(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func mapSendErr(err error) error {
	switch {
	case err == srcengine.ErrRateLimited:
		return ErrRateLimited
	default:
		return err
	}
}

// Recv blocks (unless NOBLOCK is set) until one APDU from any peer is
// available, returning its bytes and originating TSI.
func (s *Socket) Recv() ([]byte, wire.TSI, error) {
	s.mu.RLock()
	closed := s.closed
	rxNil := s.rx == nil
	s.mu.RUnlock()
	if closed {
		return nil, wire.TSI{}, ErrBadDescriptor
	}
	if rxNil {
		return nil, wire.TSI{}, fmt.Errorf("%w: socket is send-only", ErrInvalidArgument)
	}

	if s.noBlock {
		select {
		case d := <-s.incoming:
			return d.payload, d.tsi, d.err
		default:
			return nil, wire.TSI{}, ErrWouldBlock
		}
	}
	select {
	case d := <-s.incoming:
		return d.payload, d.tsi, d.err
	case <-s.done:
		return nil, wire.TSI{}, ErrBadDescriptor
	}
}

// Close marks the socket destroyed, optionally flushing up to three
// OPT_FIN SPMs, then waits for background loops to drain before
// releasing the underlying conn.
func (s *Socket) Close(flush bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if flush && s.src != nil {
		for i := 0; i < 3; i++ {
			s.writeMulticast(s.src.EmitFin())
		}
	}
	close(s.done)
	if conn != nil {
		conn.Close()
	}
	s.scheduler.Stop()
	s.wg.Wait()
	return nil
}

func (s *Socket) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.handleInbound(buf[:n], time.Now())
	}
}

func (s *Socket) handleInbound(raw []byte, now time.Time) {
	pkt, err := wire.Decode(raw)
	if err != nil {
		// malformed packets never surface to the caller.
		return
	}
	tsi := wire.TSI{GSI: pkt.Header.GSI, SourcePort: pkt.Header.SourcePort}

	switch pkt.Header.Type {
	case wire.TypeSPM:
		if s.rx != nil {
			s.rx.HandleSPM(tsi, pkt, now)
		}
	case wire.TypeODATA, wire.TypeRDATA:
		if s.rx != nil {
			s.rx.HandleData(tsi, pkt, now)
			s.deliverReady(tsi)
		}
	case wire.TypeNCF:
		if s.rx != nil {
			s.rx.HandleNCF(tsi, pkt, now)
		}
	case wire.TypeNAK:
		if s.src != nil {
			if ncf, err := s.src.HandleNAK(pkt); err == nil {
				s.writeMulticast(ncf)
			}
		}
	case wire.TypeNNAK:
		if s.src != nil {
			s.src.HandleNNAK(pkt)
		}
	case wire.TypeSPMR:
		if s.src != nil {
			s.src.HandleSPMR(false, now)
		}
	}
}

func (s *Socket) deliverReady(tsi wire.TSI) {
	if s.rx == nil {
		return
	}
	res, err := s.rx.Readv(tsi, 32)
	if err != nil {
		mapped := err
		if err == rxengine.ErrReset {
			mapped = ErrReset
		}
		select {
		case s.incoming <- deliveredAPDU{tsi: tsi, err: mapped}:
		case <-s.done:
		}
		return
	}
	for _, apdu := range res.APDUs {
		select {
		case s.incoming <- deliveredAPDU{tsi: tsi, payload: apdu}:
		case <-s.done:
			return
		}
	}
}

func (s *Socket) timerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if s.src != nil {
				if pkt, ok := s.src.EmitSPM(now); ok {
					s.writeMulticast(pkt)
				}
				if frames, err := s.src.DrainRepairs(now); err == nil {
					for _, frame := range frames {
						s.writeRaw(frame, s.group)
					}
				}
			}
			if s.rx != nil {
				for _, nak := range s.rx.Tick(now) {
					s.writePacket(nak.Packet, s.destFor(nak.NLA))
				}
			}
		}
	}
}

// destFor resolves a peer's advertised NLA to a unicast UDP destination,
// falling back to the multicast group when the NLA hasn't been learned
// yet (e.g. a NAK fired before any SPM arrived).
func (s *Socket) destFor(nla wire.NLA) *net.UDPAddr {
	if nla.IP == nil {
		return s.group
	}
	port := 0
	if s.group != nil {
		port = s.group.Port
	}
	return &net.UDPAddr{IP: nla.IP, Port: port}
}

func (s *Socket) writeMulticast(pkt *wire.Packet) {
	s.writePacket(pkt, s.group)
}

func (s *Socket) writePacket(pkt *wire.Packet, dst *net.UDPAddr) {
	frame, err := pkt.Encode()
	if err != nil {
		s.log.Warnf("encode outbound packet: %v", err)
		return
	}
	s.writeRaw(frame, dst)
}

func (s *Socket) writeRaw(frame []byte, dst *net.UDPAddr) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil || dst == nil {
		return
	}
	if _, err := conn.WriteToUDP(frame, dst); err != nil {
		s.log.Warnf("write outbound frame: %v", err)
	}
}
