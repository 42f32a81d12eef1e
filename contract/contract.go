package contract

import (
	"chat-relay/domain"
	"context"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// ClientSink is the outbound half of one control connection. Send is
// fire-and-forget from the router's point of view: an error only matters to
// the connection owning the sink.
type ClientSink interface {
	Send(msg domain.Message) error
}

type IDirectory interface {
	Register(identity string, sink ClientSink)
	Unregister(identity string, sink ClientSink)
	Get(identity string) (ClientSink, bool)
	Users() []string
}
