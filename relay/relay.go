// Package relay implements the media-plane fan-out switch. A single UDP
// socket services every call: the relay learns each participant's effective
// socket address from the first packet it sees (clients behind NAT cannot
// self-report a valid address) and forwards audio payloads to every other
// endpoint of the same call. No decoding, no ordering, no retransmission,
// no mixing.
package relay

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
)

// ByeMarker is the single payload byte that tears an endpoint down.
const ByeMarker byte = 0x01

// MaxDatagram bounds one relay packet: audio chunk plus header.
const MaxDatagram = 8192

// Relay forwards call audio between registered endpoints, keyed by callId.
// Call sessions live in process memory only and are independent of any
// control connection.
type Relay struct {
	log  *slog.Logger
	conn net.PacketConn

	mu    sync.RWMutex
	calls map[string]map[string]net.Addr
}

func NewRelay(log *slog.Logger, conn net.PacketConn) *Relay {
	return &Relay{
		log:   log,
		conn:  conn,
		calls: make(map[string]map[string]net.Addr),
	}
}

// Run is the relay worker loop. It exits only when the socket closes, which
// the context cancellation triggers; a malformed packet never terminates it.
func (r *Relay) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()

	r.log.Info("Call relay listening", "address", r.conn.LocalAddr().String())
	buf := make([]byte, MaxDatagram)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				r.log.Info("Call relay stopped")
				return nil
			}
			return err
		}
		r.handlePacket(buf[:n], from)
	}
}

// handlePacket processes one datagram: parse, BYE, auto-register, forward.
func (r *Relay) handlePacket(data []byte, from net.Addr) {
	callID, payload, ok := ParseFrame(data)
	if !ok {
		// Bad framing is dropped silently, the loop continues.
		return
	}

	if len(payload) == 1 && payload[0] == ByeMarker {
		r.unregister(callID, from)
		return
	}

	// Any non-BYE packet registers its source endpoint, idempotently.
	r.register(callID, from)

	if len(payload) == 0 {
		// Register-only packet, nothing to relay.
		return
	}

	for _, peer := range r.peers(callID, from) {
		if _, err := r.conn.WriteTo(payload, peer); err != nil {
			r.log.Debug("Relay write failed", "peer", peer.String(), "error", err)
		}
	}
}

func (r *Relay) register(callID string, endpoint net.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.calls[callID]
	if !ok {
		set = make(map[string]net.Addr)
		r.calls[callID] = set
		r.log.Info("Call session created", "callId", callID)
	}
	if _, known := set[endpoint.String()]; !known {
		set[endpoint.String()] = endpoint
		r.log.Info("Endpoint registered", "callId", callID, "endpoint", endpoint.String())
	}
}

func (r *Relay) unregister(callID string, endpoint net.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.calls[callID]
	if !ok {
		return
	}
	delete(set, endpoint.String())
	r.log.Info("Endpoint left call", "callId", callID, "endpoint", endpoint.String())
	if len(set) == 0 {
		delete(r.calls, callID)
		r.log.Info("Call session removed", "callId", callID)
	}
}

// peers snapshots the call's endpoints excluding the sender.
func (r *Relay) peers(callID string, from net.Addr) []net.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.calls[callID]
	if !ok {
		return nil
	}
	peers := make([]net.Addr, 0, len(set))
	for key, addr := range set {
		if key != from.String() {
			peers = append(peers, addr)
		}
	}
	return peers
}

// Endpoints reports the current endpoint addresses of a call.
func (r *Relay) Endpoints(callID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.calls[callID]
	endpoints := make([]string, 0, len(set))
	for key := range set {
		endpoints = append(endpoints, key)
	}
	return endpoints
}

// ParseFrame splits one relay packet: 4-byte big-endian callId length, the
// callId bytes, then the payload. Reports false on any malformation (short
// header or a declared length exceeding the packet).
func ParseFrame(data []byte) (callID string, payload []byte, ok bool) {
	if len(data) < 4 {
		return "", nil, false
	}
	idLen := binary.BigEndian.Uint32(data[:4])
	if idLen > uint32(len(data)-4) {
		return "", nil, false
	}
	return string(data[4 : 4+idLen]), data[4+idLen:], true
}

// BuildFrame is the inverse of ParseFrame, used by senders and tests.
func BuildFrame(callID string, payload []byte) []byte {
	frame := make([]byte, 4+len(callID)+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(callID)))
	copy(frame[4:], callID)
	copy(frame[4+len(callID):], payload)
	return frame
}
