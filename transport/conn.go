package transport

import (
	"io"
	"log/slog"
	"net"
	"sync"

	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/runtime"
)

// connSink is the outbound half of one control connection. The router and
// the connection's own reader both write through it, so frame writes are
// serialized by the mutex.
type connSink struct {
	mu    sync.Mutex
	w     io.Writer
	codec Codec
}

func (s *connSink) Send(msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec.WriteMessage(s.w, msg)
}

// handleConn is the per-connection control loop: read the identity frame,
// register the session, then consume messages until the read side fails.
// Read failure of any kind is the sole teardown path.
func handleConn(conn net.Conn, codec Codec, router *runtime.Router, log *slog.Logger) {
	defer conn.Close()

	identityFrame, err := codec.ReadFrame(conn)
	if err != nil {
		log.Debug("Connection closed before identity frame", "error", err)
		return
	}
	identity := domain.NormalizeIdentity(string(identityFrame))
	if identity == "" {
		log.Warn("Rejecting connection", "error", errors.ErrEmptyIdentity)
		return
	}

	sink := &connSink{w: conn, codec: codec}
	router.Register(identity, sink)
	defer router.Disconnect(identity, sink)

	for {
		msg, err := codec.ReadMessage(conn)
		if err != nil {
			if err != io.EOF && err != errors.ErrFrameTooLarge {
				log.Debug("Control read failed", "user", identity, "error", err)
			}
			return
		}
		if err := router.HandleMessage(identity, msg); err != nil {
			// The triggering operation is abandoned; the connection lives on.
			log.Error("Message handling failed", "user", identity, "type", msg.Type, "error", err)
		}
	}
}
