package socket

import (
	"fmt"
	"net"
	"time"
)

// Option identifies one entry of the socket option plane, spec.md §6.
type Option int

const (
	OptMTU Option = iota
	OptMulticastLoop
	OptMulticastHops
	OptTOS
	OptSndBuf
	OptRcvBuf
	OptAmbientSPM
	OptHeartbeatSPM
	OptTXWSqns
	OptTXWSecs
	OptTXWMaxRte
	OptRXWSqns
	OptRXWSecs
	OptRXWMaxRte
	OptPeerExpiry
	OptSPMRExpiry
	OptNakBackoffIVL
	OptNakRepeatIVL
	OptNakRDataIVL
	OptNakDataRetries
	OptNakNCFRetries
	OptUseFEC
	OptUsePGMCC // accepted, no-op: congestion control is out of scope
	OptSendOnly
	OptRecvOnly
	OptPassive
	OptAbortOnReset
	OptNoBlock
	OptJoinGroup
	OptLeaveGroup
	OptBlockSource
	OptUnblockSource
	OptJoinSourceGroup
	OptLeaveSourceGroup
	OptMsFilter

	// Read-only queries.
	OptTimeRemain
	OptRateRemain
)

// FECParams is the value type for OptUseFEC.
type FECParams struct {
	Enabled   bool
	GroupSize uint32
	Proactive bool
	OnDemand  bool
}

// runtimeOptions is the live, validated configuration a Socket was built
// from or has since had changed via SetOption. Everything that shapes
// wire framing (windows, MTU, FEC group size) is frozen at Bind time;
// everything else (rate, expiry intervals) stays mutable.
type runtimeOptions struct {
	mtu              uint32
	multicastLoop    bool
	multicastHops    int
	tos              int
	sndBuf, rcvBuf   int
	ambientSPM       time.Duration
	heartbeatSPM     []time.Duration
	txwSqns          uint32
	txwSecs          time.Duration
	txwMaxRte        float64
	rxwSqns          uint32
	rxwSecs          time.Duration
	rxwMaxRte        float64
	maxAPDU          uint32
	maxFragments     int
	peerExpiry       time.Duration
	spmrExpiry       time.Duration
	nakBackoffIVL    time.Duration
	nakRepeatIVL     time.Duration
	nakRDataIVL      time.Duration
	nakDataRetries   int
	nakNCFRetries    int
	fec              FECParams
	fecGroupSize     uint32
	fecProactive     bool
	fecOnDemand      bool
	sendOnly         bool
	recvOnly         bool
	passive          bool
	abortOnReset     bool
	noBlock          bool

	sendRateBytesPerSec float64
	sendBurstBytes      float64
}

func defaultRuntimeOptions() runtimeOptions {
	return runtimeOptions{
		mtu:            1500,
		multicastLoop:  false,
		multicastHops:  16,
		tos:            0,
		sndBuf:         1 << 20,
		rcvBuf:         1 << 20,
		ambientSPM:     30 * time.Second,
		txwSqns:        4096,
		rxwSqns:        4096,
		maxAPDU:        65536,
		maxFragments:   64,
		peerExpiry:     300 * time.Second,
		spmrExpiry:     250 * time.Millisecond,
		nakBackoffIVL:  50 * time.Millisecond,
		nakRepeatIVL:   200 * time.Millisecond,
		nakRDataIVL:    200 * time.Millisecond,
		nakDataRetries: 5,
		nakNCFRetries:  2,

		sendRateBytesPerSec: 1 << 20,
		sendBurstBytes:      1 << 16,
	}
}

func (o runtimeOptions) maxTSDU() uint32 {
	// Header plus worst-case OPT_FRAGMENT, leaving room below the MTU.
	const overhead = 16 + 8 + 4 + 14
	if o.mtu <= overhead {
		return o.mtu
	}
	return o.mtu - overhead
}

// SetOption applies one option-plane change. Options that affect wire
// framing (MTU, *_SQNS, USE_FEC) are rejected once the socket is bound,
// mirroring the teacher's "some knobs freeze after listen" convention.
func (s *Socket) SetOption(opt Option, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBadDescriptor
	}
	bound := s.conn != nil

	switch opt {
	case OptMTU:
		v, ok := value.(uint32)
		if !ok || v < HeaderMinimum {
			return fmt.Errorf("%w: MTU must be a uint32 >= %d", ErrInvalidArgument, HeaderMinimum)
		}
		if bound {
			return fmt.Errorf("%w: MTU is fixed after bind", ErrInvalidArgument)
		}
		s.opts.mtu = v

	case OptMulticastLoop:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: MULTICAST_LOOP takes a bool", ErrInvalidArgument)
		}
		s.opts.multicastLoop = v
		if bound {
			return setMulticastLoop(s.conn, v)
		}

	case OptMulticastHops:
		v, ok := value.(int)
		if !ok || v < 0 || v > 255 {
			return fmt.Errorf("%w: MULTICAST_HOPS takes an int in [0,255]", ErrInvalidArgument)
		}
		s.opts.multicastHops = v
		if bound {
			return setMulticastHops(s.conn, v)
		}

	case OptTOS:
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("%w: TOS takes an int", ErrInvalidArgument)
		}
		s.opts.tos = v
		if bound {
			return setTOS(s.conn, v)
		}

	case OptSndBuf:
		v, ok := value.(int)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: SNDBUF takes a positive int", ErrInvalidArgument)
		}
		s.opts.sndBuf = v

	case OptRcvBuf:
		v, ok := value.(int)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: RCVBUF takes a positive int", ErrInvalidArgument)
		}
		s.opts.rcvBuf = v

	case OptAmbientSPM:
		v, ok := value.(time.Duration)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: AMBIENT_SPM takes a positive duration", ErrInvalidArgument)
		}
		s.opts.ambientSPM = v

	case OptHeartbeatSPM:
		v, ok := value.([]time.Duration)
		if !ok || len(v) == 0 {
			return fmt.Errorf("%w: HEARTBEAT_SPM takes a non-empty []time.Duration", ErrInvalidArgument)
		}
		s.opts.heartbeatSPM = v

	case OptTXWSqns:
		v, ok := value.(uint32)
		if !ok || v == 0 {
			return fmt.Errorf("%w: TXW_SQNS takes a positive uint32", ErrInvalidArgument)
		}
		if bound {
			return fmt.Errorf("%w: TXW_SQNS is fixed after bind", ErrInvalidArgument)
		}
		s.opts.txwSqns = v

	case OptTXWSecs:
		v, ok := value.(time.Duration)
		if !ok {
			return fmt.Errorf("%w: TXW_SECS takes a duration", ErrInvalidArgument)
		}
		s.opts.txwSecs = v

	case OptTXWMaxRte:
		v, ok := value.(float64)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: TXW_MAX_RTE takes a positive float64", ErrInvalidArgument)
		}
		s.opts.txwMaxRte = v
		s.opts.sendRateBytesPerSec = v
		if s.src != nil {
			s.src.SetRate(v, s.opts.sendBurstBytes)
		}

	case OptRXWSqns:
		v, ok := value.(uint32)
		if !ok || v == 0 {
			return fmt.Errorf("%w: RXW_SQNS takes a positive uint32", ErrInvalidArgument)
		}
		if bound {
			return fmt.Errorf("%w: RXW_SQNS is fixed after bind", ErrInvalidArgument)
		}
		s.opts.rxwSqns = v

	case OptRXWSecs:
		v, ok := value.(time.Duration)
		if !ok {
			return fmt.Errorf("%w: RXW_SECS takes a duration", ErrInvalidArgument)
		}
		s.opts.rxwSecs = v

	case OptRXWMaxRte:
		v, ok := value.(float64)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: RXW_MAX_RTE takes a positive float64", ErrInvalidArgument)
		}
		s.opts.rxwMaxRte = v

	case OptPeerExpiry:
		v, ok := value.(time.Duration)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: PEER_EXPIRY takes a positive duration", ErrInvalidArgument)
		}
		s.opts.peerExpiry = v
		if s.rx != nil {
			s.rx.SetPeerExpiry(v)
		}

	case OptSPMRExpiry:
		v, ok := value.(time.Duration)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: SPMR_EXPIRY takes a positive duration", ErrInvalidArgument)
		}
		s.opts.spmrExpiry = v

	case OptNakBackoffIVL:
		v, ok := value.(time.Duration)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: NAK_BO_IVL takes a positive duration", ErrInvalidArgument)
		}
		s.opts.nakBackoffIVL = v

	case OptNakRepeatIVL:
		v, ok := value.(time.Duration)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: NAK_RPT_IVL takes a positive duration", ErrInvalidArgument)
		}
		s.opts.nakRepeatIVL = v

	case OptNakRDataIVL:
		v, ok := value.(time.Duration)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: NAK_RDATA_IVL takes a positive duration", ErrInvalidArgument)
		}
		s.opts.nakRDataIVL = v

	case OptNakDataRetries:
		v, ok := value.(int)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: NAK_DATA_RETRIES takes a positive int", ErrInvalidArgument)
		}
		s.opts.nakDataRetries = v

	case OptNakNCFRetries:
		v, ok := value.(int)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: NAK_NCF_RETRIES takes a positive int", ErrInvalidArgument)
		}
		s.opts.nakNCFRetries = v

	case OptUseFEC:
		v, ok := value.(FECParams)
		if !ok {
			return fmt.Errorf("%w: USE_FEC takes a FECParams", ErrInvalidArgument)
		}
		if bound {
			return fmt.Errorf("%w: USE_FEC is fixed after bind", ErrInvalidArgument)
		}
		s.opts.fec = v
		s.opts.fecGroupSize = v.GroupSize
		s.opts.fecProactive = v.Proactive
		s.opts.fecOnDemand = v.OnDemand

	case OptUsePGMCC:
		// accepted and stored nowhere: PGMCC congestion control is a
		// documented non-goal, but the option itself must not error.

	case OptSendOnly:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: SEND_ONLY takes a bool", ErrInvalidArgument)
		}
		s.opts.sendOnly = v

	case OptRecvOnly:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: RCV_ONLY takes a bool", ErrInvalidArgument)
		}
		s.opts.recvOnly = v

	case OptPassive:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: PASSIVE takes a bool", ErrInvalidArgument)
		}
		s.opts.passive = v

	case OptAbortOnReset:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: ABORT_ON_RESET takes a bool", ErrInvalidArgument)
		}
		s.opts.abortOnReset = v
		if s.rx != nil {
			s.rx.SetAbortOnReset(v)
		}

	case OptNoBlock:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: NOBLOCK takes a bool", ErrInvalidArgument)
		}
		s.opts.noBlock = v
		s.noBlock = v

	case OptJoinGroup, OptLeaveGroup, OptBlockSource, OptUnblockSource,
		OptJoinSourceGroup, OptLeaveSourceGroup, OptMsFilter:
		return s.applyMembershipOption(opt, value)

	default:
		return fmt.Errorf("%w: unknown option %d", ErrInvalidArgument, opt)
	}
	return nil
}

// GetOption reads back one option, including the read-only queries
// TIME_REMAIN (the ambient SPM interval, an upper bound on the source's
// next deadline, or 0 without a source engine; the engines' true next
// deadline is not tracked) and
// RATE_REMAIN (bytes currently available in the send bucket).
func (s *Socket) GetOption(opt Option) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrBadDescriptor
	}

	switch opt {
	case OptMTU:
		return s.opts.mtu, nil
	case OptMulticastLoop:
		return s.opts.multicastLoop, nil
	case OptMulticastHops:
		return s.opts.multicastHops, nil
	case OptTOS:
		return s.opts.tos, nil
	case OptSndBuf:
		return s.opts.sndBuf, nil
	case OptRcvBuf:
		return s.opts.rcvBuf, nil
	case OptAmbientSPM:
		return s.opts.ambientSPM, nil
	case OptTXWSqns:
		return s.opts.txwSqns, nil
	case OptRXWSqns:
		return s.opts.rxwSqns, nil
	case OptPeerExpiry:
		return s.opts.peerExpiry, nil
	case OptNakBackoffIVL:
		return s.opts.nakBackoffIVL, nil
	case OptNakRepeatIVL:
		return s.opts.nakRepeatIVL, nil
	case OptNakRDataIVL:
		return s.opts.nakRDataIVL, nil
	case OptUseFEC:
		return s.opts.fec, nil
	case OptAbortOnReset:
		return s.opts.abortOnReset, nil
	case OptNoBlock:
		return s.opts.noBlock, nil
	case OptRateRemain:
		if s.src == nil {
			return 0.0, nil
		}
		return s.src.Tokens(), nil
	case OptTimeRemain:
		return s.timeRemain(), nil
	default:
		return nil, fmt.Errorf("%w: option %d is not readable", ErrInvalidArgument, opt)
	}
}

// HeaderMinimum is the smallest MTU PGM can frame a single ODATA header
// plus OPT_LENGTH into.
const HeaderMinimum = 16 + 8 + 4

func (s *Socket) timeRemain() time.Duration {
	now := time.Now()
	var best time.Time
	have := false
	if s.src != nil {
		// the source engine doesn't expose its next-deadline directly;
		// ambient interval is a conservative upper bound.
		best = now.Add(s.opts.ambientSPM)
		have = true
	}
	if !have {
		return 0
	}
	if d := best.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s *Socket) applyMembershipOption(opt Option, value interface{}) error {
	if s.conn == nil {
		return fmt.Errorf("%w: group membership options require a bound socket", ErrInvalidArgument)
	}
	switch opt {
	case OptJoinGroup:
		grp, ok := value.(net.IP)
		if !ok {
			return fmt.Errorf("%w: JOIN_GROUP takes a net.IP", ErrInvalidArgument)
		}
		return joinMulticastGroup(s.conn, grp, s.iface)
	case OptLeaveGroup:
		grp, ok := value.(net.IP)
		if !ok {
			return fmt.Errorf("%w: LEAVE_GROUP takes a net.IP", ErrInvalidArgument)
		}
		return leaveMulticastGroup(s.conn, grp, s.iface)
	default:
		// BLOCK_SOURCE/UNBLOCK_SOURCE/JOIN_SOURCE_GROUP/LEAVE_SOURCE_GROUP/
		// MSFILTER are SSM source-filtering refinements of the same ASM
		// join already performed above; PGM's multicast model here is
		// ASM-only, so these are accepted no-ops rather than errors.
		return nil
	}
}
