package channel

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"netrep"
	"netrep/metrics"
)

func newTestManager(t *testing.T, mode DeliveryMode) (*Manager, Kind) {
	t.Helper()
	m := NewManager(1200, 0, DefaultBackpressureHardCap, DefaultMaxReassemblyAge)
	const ch Kind = 1
	m.RegisterChannel(Spec{ID: ch, Mode: mode})
	return m, ch
}

func TestUnreliableUnorderedRoundTrip(t *testing.T) {
	m, ch := newTestManager(t, UnreliableUnordered)
	_, err := m.BufferSend(ch, 10, []byte("ping"))
	require.NoError(t, err)

	packets := m.SendPackets()
	require.Len(t, packets, 1)

	recv := NewManager(1200, 0, DefaultBackpressureHardCap, DefaultMaxReassemblyAge)
	recv.RegisterChannel(Spec{ID: ch, Mode: UnreliableUnordered})
	_, err = recv.RecvPacket(packets[0])
	require.NoError(t, err)

	got := recv.ReadMessages(ch)
	require.Len(t, got, 1)
	require.Equal(t, []byte("ping"), got[0].Payload)
	require.Equal(t, netrep.Tick(10), got[0].Tick)
}

func TestReliableOrderedBuffersOutOfOrderArrival(t *testing.T) {
	sender, ch := newTestManager(t, ReliableOrdered)
	var packets [][]byte
	for i := 0; i < 3; i++ {
		_, err := sender.BufferSend(ch, netrep.Tick(i), []byte{byte('a' + i)})
		require.NoError(t, err)
		packets = append(packets, sender.SendPackets()...)
	}
	require.Len(t, packets, 3)

	recv := NewManager(1200, 0, DefaultBackpressureHardCap, DefaultMaxReassemblyAge)
	recv.RegisterChannel(Spec{ID: ch, Mode: ReliableOrdered})

	// deliver out of order: 2nd, 3rd, then 1st
	_, err := recv.RecvPacket(packets[1])
	require.NoError(t, err)
	require.Empty(t, recv.ReadMessages(ch), "message 1 must wait for message 0")

	_, err = recv.RecvPacket(packets[2])
	require.NoError(t, err)
	require.Empty(t, recv.ReadMessages(ch), "message 2 must wait for message 0")

	_, err = recv.RecvPacket(packets[0])
	require.NoError(t, err)
	got := recv.ReadMessages(ch)
	require.Len(t, got, 3, "arrival of message 0 should release the buffered 1 and 2 in order")
	require.Equal(t, []byte{'a'}, got[0].Payload)
	require.Equal(t, []byte{'b'}, got[1].Payload)
	require.Equal(t, []byte{'c'}, got[2].Payload)
}

func TestReliableAckClearsUnackedAndPublishesEvent(t *testing.T) {
	sender, ch := newTestManager(t, Reliable)
	acks := sender.SubscribeAcks()

	id, err := sender.BufferSend(ch, 1, []byte("important"))
	require.NoError(t, err)
	packets := sender.SendPackets()
	require.Len(t, packets, 1)

	cs := sender.channels[ch]
	require.Contains(t, cs.unacked, id)

	receiver, _ := newTestManager(t, Reliable)
	_, err = receiver.RecvPacket(packets[0])
	require.NoError(t, err)

	// receiver echoes its ack state back to the sender
	ackPackets := receiver.SendPackets()
	require.NotEmpty(t, ackPackets, "receiver should have an ack-bearing packet to send even with nothing new to say")
	_, err = sender.RecvPacket(ackPackets[0])
	require.NoError(t, err)

	require.NotContains(t, sender.channels[ch].unacked, id, "acked message should be cleared")

	select {
	case ev := <-acks:
		require.Equal(t, id, ev.ID)
		require.Equal(t, ch, ev.Channel)
	default:
		t.Fatal("expected an AckEvent to be published")
	}
}

func TestReliableUnorderedDedupsResend(t *testing.T) {
	sender, ch := newTestManager(t, Reliable)
	_, err := sender.BufferSend(ch, 1, []byte("important"))
	require.NoError(t, err)
	packets := sender.SendPackets()
	require.Len(t, packets, 1)

	recv, _ := newTestManager(t, Reliable)

	// deliver the same packet twice, as a resend whose ack was merely
	// delayed (not lost) would arrive.
	_, err = recv.RecvPacket(packets[0])
	require.NoError(t, err)
	_, err = recv.RecvPacket(packets[0])
	require.NoError(t, err)

	got := recv.ReadMessages(ch)
	require.Len(t, got, 1, "a reliable resend must be delivered to the app exactly once")
}

func TestBufferSendReturnsBackpressureOverHardCap(t *testing.T) {
	m := NewManager(1200, 0, 2, DefaultMaxReassemblyAge)
	const ch Kind = 1
	m.RegisterChannel(Spec{ID: ch, Mode: UnreliableUnordered})

	_, err := m.BufferSend(ch, 0, []byte("a"))
	require.NoError(t, err)
	_, err = m.BufferSend(ch, 0, []byte("b"))
	require.NoError(t, err)

	_, err = m.BufferSend(ch, 0, []byte("c"))
	require.Error(t, err)
	var nerr *netrep.Error
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, netrep.ErrBackpressure, nerr.Kind)
	require.False(t, nerr.Kind.Recoverable(), "backpressure is surfaced to the host, not locally recovered")
}

func TestSendPacketsIncrementsMetrics(t *testing.T) {
	sender, ch := newTestManager(t, Reliable)
	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)
	sender.SetMetrics(metricsReg)

	_, err := sender.BufferSend(ch, 1, []byte("important"))
	require.NoError(t, err)
	packets := sender.SendPackets()
	require.Len(t, packets, 1)
	require.Equal(t, float64(1), testutil.ToFloat64(metricsReg.PacketsSent))
	require.Greater(t, testutil.ToFloat64(metricsReg.BandwidthBytesSent), float64(0))

	recv, _ := newTestManager(t, Reliable)
	recv.SetMetrics(metricsReg)
	_, err = recv.RecvPacket(packets[0])
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(metricsReg.PacketsRecv))
}

func TestUnknownChannelIsRecoverableError(t *testing.T) {
	m := NewManager(1200, 0, DefaultBackpressureHardCap, DefaultMaxReassemblyAge)
	_, err := m.BufferSend(99, 0, []byte("x"))
	require.Error(t, err)

	var nerr *netrep.Error
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, netrep.ErrUnknownChannel, nerr.Kind)
	require.True(t, nerr.Kind.Recoverable())
}

func TestFragmentationReassembly(t *testing.T) {
	m, ch := newTestManager(t, UnreliableUnordered)
	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte(i)
	}
	_, err := m.BufferSend(ch, 1, big)
	require.NoError(t, err)

	packets := m.SendPackets()
	require.Greater(t, len(packets), 1, "a 3000-byte payload should split across multiple packets given a 1200-byte MTU")

	recv, _ := newTestManager(t, UnreliableUnordered)
	for _, p := range packets {
		_, err := recv.RecvPacket(p)
		require.NoError(t, err)
	}
	got := recv.ReadMessages(ch)
	require.Len(t, got, 1)
	require.Equal(t, big, got[0].Payload)
}
