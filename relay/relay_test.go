package relay

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	req := require.New(t)

	// Nominal frame
	callID, payload, ok := ParseFrame(BuildFrame("call-1", []byte("audio")))
	req.True(ok)
	req.Equal("call-1", callID)
	req.Equal([]byte("audio"), payload)

	// Register-only frame
	callID, payload, ok = ParseFrame(BuildFrame("call-1", nil))
	req.True(ok)
	req.Equal("call-1", callID)
	req.Empty(payload)

	// Packet shorter than the header
	_, _, ok = ParseFrame([]byte{0x00, 0x01})
	req.False(ok)

	// Declared callId length exceeding the actual packet
	_, _, ok = ParseFrame([]byte{0x00, 0x00, 0x01, 0xF4, 'c', 'a', 'l', 'l', 0x00, 0x00})
	req.False(ok)
}

type relayHarness struct {
	relay  *Relay
	addr   net.Addr
	cancel context.CancelFunc
}

func startRelay(t *testing.T) *relayHarness {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	r := NewRelay(slog.Default(), conn)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	t.Cleanup(cancel)

	return &relayHarness{relay: r, addr: conn.LocalAddr(), cancel: cancel}
}

func newPeer(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *relayHarness) register(t *testing.T, peer net.PacketConn, callID string) {
	t.Helper()
	before := len(h.relay.Endpoints(callID))
	_, err := peer.WriteTo(BuildFrame(callID, nil), h.addr)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(h.relay.Endpoints(callID)) == before+1
	}, time.Second, 5*time.Millisecond)
}

func readPayload(t *testing.T, peer net.PacketConn) ([]byte, bool) {
	t.Helper()
	buf := make([]byte, MaxDatagram)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	n, _, err := peer.ReadFrom(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func TestRelay_Register_Only_Packets_Never_Produce_Output(t *testing.T) {
	req := require.New(t)
	harness := startRelay(t)
	first := newPeer(t)
	second := newPeer(t)

	// Given two endpoints on the same call
	harness.register(t, first, "call-1")
	harness.register(t, second, "call-1")

	// When one of them re-registers repeatedly
	for range 5 {
		_, err := first.WriteTo(BuildFrame("call-1", nil), harness.addr)
		req.NoError(err)
	}

	// Then nothing is relayed to anybody
	_, got := readPayload(t, second)
	req.False(got)
	_, got = readPayload(t, first)
	req.False(got)

	// And the endpoint set stayed a set
	req.Len(harness.relay.Endpoints("call-1"), 2)
}

func TestRelay_Forwards_Payload_To_All_Other_Endpoints(t *testing.T) {
	req := require.New(t)
	harness := startRelay(t)
	sender := newPeer(t)
	peerA := newPeer(t)
	peerB := newPeer(t)

	harness.register(t, sender, "call-1")
	harness.register(t, peerA, "call-1")
	harness.register(t, peerB, "call-1")

	// When the sender emits an audio payload
	audio := []byte{0x10, 0x20, 0x30, 0x40}
	_, err := sender.WriteTo(BuildFrame("call-1", audio), harness.addr)
	req.NoError(err)

	// Then exactly the other endpoints receive it, byte for byte
	payload, got := readPayload(t, peerA)
	req.True(got)
	req.Equal(audio, payload)

	payload, got = readPayload(t, peerB)
	req.True(got)
	req.Equal(audio, payload)

	_, got = readPayload(t, sender)
	req.False(got)
}

func TestRelay_Bye_Removes_Endpoint_From_Forwarding(t *testing.T) {
	req := require.New(t)
	harness := startRelay(t)
	leaver := newPeer(t)
	stayer := newPeer(t)

	harness.register(t, leaver, "call-1")
	harness.register(t, stayer, "call-1")

	// When the leaver sends BYE
	_, err := leaver.WriteTo(BuildFrame("call-1", []byte{ByeMarker}), harness.addr)
	req.NoError(err)
	req.Eventually(func() bool {
		return len(harness.relay.Endpoints("call-1")) == 1
	}, time.Second, 5*time.Millisecond)

	// Then later payloads no longer reach it
	_, err = stayer.WriteTo(BuildFrame("call-1", []byte("late audio")), harness.addr)
	req.NoError(err)
	_, got := readPayload(t, leaver)
	req.False(got)
}

func TestRelay_Empty_Call_Is_Removed_After_Last_Bye(t *testing.T) {
	req := require.New(t)
	harness := startRelay(t)
	peer := newPeer(t)

	harness.register(t, peer, "call-1")

	_, err := peer.WriteTo(BuildFrame("call-1", []byte{ByeMarker}), harness.addr)
	req.NoError(err)

	req.Eventually(func() bool {
		return len(harness.relay.Endpoints("call-1")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRelay_Malformed_Packet_Is_Dropped_And_Loop_Survives(t *testing.T) {
	req := require.New(t)
	harness := startRelay(t)
	sender := newPeer(t)
	receiver := newPeer(t)

	// Given a malformed packet: declared callId length 500, actual size 10
	malformed := []byte{0x00, 0x00, 0x01, 0xF4, 1, 2, 3, 4, 5, 6}
	_, err := sender.WriteTo(malformed, harness.addr)
	req.NoError(err)

	// Then the relay still services traffic afterwards
	harness.register(t, sender, "call-2")
	harness.register(t, receiver, "call-2")

	audio := []byte("still alive")
	_, err = sender.WriteTo(BuildFrame("call-2", audio), harness.addr)
	req.NoError(err)

	payload, got := readPayload(t, receiver)
	req.True(got)
	req.Equal(audio, payload)
}

func TestRelay_Single_Endpoint_Payload_Goes_Nowhere(t *testing.T) {
	req := require.New(t)
	harness := startRelay(t)
	only := newPeer(t)

	harness.register(t, only, "lonely-call")

	_, err := only.WriteTo(BuildFrame("lonely-call", []byte("echo?")), harness.addr)
	req.NoError(err)

	_, got := readPayload(t, only)
	req.False(got)
}
