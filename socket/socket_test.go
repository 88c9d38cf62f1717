package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustBind(t *testing.T, mode Mode) *Socket {
	t.Helper()
	s := New(mode)
	err := s.Bind(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(false) })
	return s
}

func TestNewUnboundSocketRejectsSend(t *testing.T) {
	s := New(ModeDuplex)
	defer s.Close(false)
	err := s.Send([]byte("x"))
	require.ErrorIs(t, err, ErrBadDescriptor)
}

func TestBindTwiceRejected(t *testing.T) {
	s := mustBind(t, ModeDuplex)
	err := s.Bind(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSendOnlySocketRejectsRecv(t *testing.T) {
	s := mustBind(t, ModeSendOnly)
	_, _, err := s.Recv()
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRecvOnlySocketRejectsSend(t *testing.T) {
	s := mustBind(t, ModeRecvOnly)
	err := s.Send([]byte("x"))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSendTransmitsOverLoopback(t *testing.T) {
	s := mustBind(t, ModeDuplex)
	s.SetOption(OptNoBlock, true)

	reader, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer reader.Close()
	s.group = reader.LocalAddr().(*net.UDPAddr)

	err = s.Send([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 2048)
	reader.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := reader.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := mustBind(t, ModeDuplex)
	require.NoError(t, s.Close(false))
	require.NoError(t, s.Close(false))

	err := s.Send([]byte("x"))
	require.ErrorIs(t, err, ErrBadDescriptor)
}

func TestNoBlockRecvReturnsWouldBlock(t *testing.T) {
	s := mustBind(t, ModeDuplex)
	s.SetOption(OptNoBlock, true)

	_, _, err := s.Recv()
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestSetOptionMTURejectedAfterBind(t *testing.T) {
	s := mustBind(t, ModeDuplex)
	err := s.SetOption(OptMTU, uint32(9000))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSetOptionMTUBeforeBind(t *testing.T) {
	s := New(ModeDuplex)
	defer s.Close(false)
	err := s.SetOption(OptMTU, uint32(9000))
	require.NoError(t, err)
	v, err := s.GetOption(OptMTU)
	require.NoError(t, err)
	require.Equal(t, uint32(9000), v)
}

func TestSetOptionRejectsWrongType(t *testing.T) {
	s := New(ModeDuplex)
	defer s.Close(false)
	err := s.SetOption(OptMTU, "9000")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSetOptionTXWSqnsRejectedAfterBind(t *testing.T) {
	s := mustBind(t, ModeDuplex)
	err := s.SetOption(OptTXWSqns, uint32(8192))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSetOptionPeerExpiryPropagatesLive(t *testing.T) {
	s := mustBind(t, ModeDuplex)
	err := s.SetOption(OptPeerExpiry, 5*time.Second)
	require.NoError(t, err)
	v, err := s.GetOption(OptPeerExpiry)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, v)
}

func TestSetOptionAbortOnResetPropagatesLive(t *testing.T) {
	s := mustBind(t, ModeDuplex)
	err := s.SetOption(OptAbortOnReset, true)
	require.NoError(t, err)
	v, err := s.GetOption(OptAbortOnReset)
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestGetOptionRateRemainOnSendOnlySocket(t *testing.T) {
	s := mustBind(t, ModeSendOnly)
	v, err := s.GetOption(OptRateRemain)
	require.NoError(t, err)
	require.IsType(t, float64(0), v)
}

func TestGetOptionRateRemainOnRecvOnlySocketIsZero(t *testing.T) {
	s := mustBind(t, ModeRecvOnly)
	v, err := s.GetOption(OptRateRemain)
	require.NoError(t, err)
	require.Equal(t, 0.0, v)
}

func TestGetOptionUnreadableOptionErrors(t *testing.T) {
	s := New(ModeDuplex)
	defer s.Close(false)
	_, err := s.GetOption(OptJoinGroup)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMembershipOptionRequiresBoundSocket(t *testing.T) {
	s := New(ModeDuplex)
	defer s.Close(false)
	err := s.SetOption(OptJoinGroup, net.ParseIP("239.1.1.1"))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMembershipFilterOptionsAreAcceptedNoops(t *testing.T) {
	s := mustBind(t, ModeDuplex)
	require.NoError(t, s.SetOption(OptBlockSource, net.ParseIP("192.0.2.1")))
	require.NoError(t, s.SetOption(OptUnblockSource, net.ParseIP("192.0.2.1")))
}

func TestPassiveModeHasNoSourceEngine(t *testing.T) {
	s := New(ModePassive)
	defer s.Close(false)
	require.Nil(t, s.src)
	require.NotNil(t, s.rx)
}

func TestSendOnlyModeHasNoReceiverEngine(t *testing.T) {
	s := New(ModeSendOnly)
	defer s.Close(false)
	require.NotNil(t, s.src)
	require.Nil(t, s.rx)
}

func TestConnectRecordsDefaultPeer(t *testing.T) {
	s := mustBind(t, ModeDuplex)
	raddr := &net.UDPAddr{IP: net.ParseIP("192.0.2.5"), Port: 7500}
	require.NoError(t, s.Connect(raddr))
	require.Equal(t, raddr, s.connected)
}

func TestUsePGMCCIsAcceptedNoop(t *testing.T) {
	s := New(ModeDuplex)
	defer s.Close(false)
	require.NoError(t, s.SetOption(OptUsePGMCC, true))
}

func TestUseFECRejectedAfterBind(t *testing.T) {
	s := mustBind(t, ModeDuplex)
	err := s.SetOption(OptUseFEC, FECParams{Enabled: true, GroupSize: 8})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUseFECBeforeBindStoresGroupSize(t *testing.T) {
	s := New(ModeDuplex)
	defer s.Close(false)
	err := s.SetOption(OptUseFEC, FECParams{Enabled: true, GroupSize: 16, Proactive: true})
	require.NoError(t, err)
	v, err := s.GetOption(OptUseFEC)
	require.NoError(t, err)
	require.Equal(t, uint32(16), v.(FECParams).GroupSize)
}
