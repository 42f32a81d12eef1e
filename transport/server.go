package transport

import (
	"context"
	"log/slog"
	"net"

	"chat-relay/runtime"
)

// ControlServer accepts control connections and runs one worker goroutine
// per accepted client.
type ControlServer struct {
	log      *slog.Logger
	listener net.Listener
	codec    Codec
	router   *runtime.Router
}

func NewControlServer(log *slog.Logger, listener net.Listener, codec Codec, router *runtime.Router) *ControlServer {
	return &ControlServer{log: log, listener: listener, codec: codec, router: router}
}

// Run is the accept loop worker. Context cancellation closes the listener,
// which unblocks Accept and ends the loop.
func (s *ControlServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	s.log.Info("Control server listening", "address", s.listener.Addr().String())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("Control server stopped")
				return nil
			}
			return err
		}
		go handleConn(conn, s.codec, s.router, s.log)
	}
}
