// Package proxy exposes the line-delimited JSON administrative surface: one
// JSON object per line in, one JSON object per line out, synchronous
// request-response over a plain TCP connection.
package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "chat-relay/errors"
	"chat-relay/services"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

// scanBufferSize allows base64 voice-note bodies on a single request line.
const scanBufferSize = 16 << 20

var validate = validator.New()

type request struct {
	Action    string `json:"action"`
	Username  string `json:"username"`
	Recipient string `json:"recipient"`
	Group     string `json:"group"`
	Text      string `json:"text"`
	FileName  string `json:"fileName"`
	Content   string `json:"content"`
	File      string `json:"file"`
}

type response map[string]any

func okResponse() response {
	return response{"status": statusOK}
}

func errorResponse(message string) response {
	return response{"status": statusError, "message": message}
}

// Listener serves administrative clients. Every connection gets its own
// goroutine; a bad request is answered with a structured error and the
// connection stays open for further requests.
type Listener struct {
	log      *slog.Logger
	listener net.Listener
	service  *services.ChatService
}

func NewListener(log *slog.Logger, listener net.Listener, service *services.ChatService) *Listener {
	return &Listener{log: log, listener: listener, service: service}
}

// Run is the accept loop worker, stopped by closing the listener on
// context cancellation.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.listener.Close()
	}()

	l.log.Info("Proxy listener started", "address", l.listener.Addr().String())
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("Proxy listener stopped")
				return nil
			}
			return err
		}
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req request
		var resp response
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			resp = errorResponse("invalid json: " + err.Error())
		} else {
			resp = l.dispatch(req)
		}
		if err := encoder.Encode(resp); err != nil {
			l.log.Debug("Proxy response write failed", "error", err)
			return
		}
	}
}

func (l *Listener) dispatch(req request) response {
	switch req.Action {
	case "create_group":
		return l.createGroup(req)
	case "join_group":
		return l.joinGroup(req)
	case "send_text":
		return l.sendText(req)
	case "send_voice":
		return l.sendVoice(req)
	case "delete_chat":
		return l.deleteChat(req)
	case "fetch_history":
		return l.fetchHistory(req)
	case "fetch_audio":
		return l.fetchAudio(req)
	case "list_groups":
		return l.listGroups(req)
	case "list_users":
		return l.listUsers()
	case "login":
		return l.login(req)
	case "backfill_visibility":
		return l.backfillVisibility()
	default:
		return errorResponse(apperrors.ErrUnknownAction.Error())
	}
}

func (l *Listener) createGroup(req request) response {
	if msg, ok := required(struct {
		Group string `validate:"required"`
	}{req.Group}); !ok {
		return errorResponse(msg)
	}
	if err := l.service.CreateGroup(req.Group); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse()
}

func (l *Listener) joinGroup(req request) response {
	if msg, ok := required(struct {
		Username string `validate:"required"`
		Group    string `validate:"required"`
	}{req.Username, req.Group}); !ok {
		return errorResponse(msg)
	}
	if err := l.service.JoinGroup(req.Username, req.Group); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse()
}

func (l *Listener) sendText(req request) response {
	if msg, ok := required(struct {
		Username  string `validate:"required"`
		Recipient string `validate:"required"`
		Text      string `validate:"required"`
	}{req.Username, req.Recipient, req.Text}); !ok {
		return errorResponse(msg)
	}
	if err := l.service.SendText(req.Username, req.Recipient, req.Text); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse()
}

func (l *Listener) sendVoice(req request) response {
	if msg, ok := required(struct {
		Username  string `validate:"required"`
		Recipient string `validate:"required"`
		FileName  string `validate:"required"`
		Content   string `validate:"required"`
	}{req.Username, req.Recipient, req.FileName, req.Content}); !ok {
		return errorResponse(msg)
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return errorResponse("invalid base64")
	}
	if _, err := l.service.SendVoice(req.Username, req.Recipient, content, req.FileName); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse()
}

func (l *Listener) deleteChat(req request) response {
	if msg, ok := required(struct {
		Username  string `validate:"required"`
		Recipient string `validate:"required"`
	}{req.Username, req.Recipient}); !ok {
		return errorResponse(msg)
	}
	if err := l.service.DeleteChat(req.Username, req.Recipient); err != nil {
		return errorResponse(err.Error())
	}
	resp := okResponse()
	resp["message"] = "conversation deleted"
	return resp
}

func (l *Listener) fetchHistory(req request) response {
	if msg, ok := required(struct {
		Username  string `validate:"required"`
		Recipient string `validate:"required"`
	}{req.Username, req.Recipient}); !ok {
		return errorResponse(msg)
	}
	entries, err := l.service.FetchHistory(req.Username, req.Recipient)
	if err != nil {
		return errorResponse(err.Error())
	}
	if entries == nil {
		entries = []services.HistoryEntry{}
	}
	resp := okResponse()
	resp["messages"] = entries
	return resp
}

func (l *Listener) fetchAudio(req request) response {
	if msg, ok := required(struct {
		File string `validate:"required"`
	}{req.File}); !ok {
		return errorResponse(msg)
	}
	content, mime, err := l.service.FetchAudio(req.File)
	if err != nil {
		return errorResponse(err.Error())
	}
	resp := okResponse()
	resp["content"] = base64.StdEncoding.EncodeToString(content)
	resp["mime"] = mime
	return resp
}

func (l *Listener) listGroups(req request) response {
	if msg, ok := required(struct {
		Username string `validate:"required"`
	}{req.Username}); !ok {
		return errorResponse(msg)
	}
	groups, err := l.service.ListGroups(req.Username)
	if err != nil {
		return errorResponse(err.Error())
	}
	if groups == nil {
		groups = []string{}
	}
	resp := okResponse()
	resp["groups"] = groups
	return resp
}

func (l *Listener) listUsers() response {
	users, err := l.service.ListUsers()
	if err != nil {
		return errorResponse(err.Error())
	}
	if users == nil {
		users = []string{}
	}
	resp := okResponse()
	resp["users"] = users
	return resp
}

func (l *Listener) login(req request) response {
	if msg, ok := required(struct {
		Username string `validate:"required"`
	}{req.Username}); !ok {
		return errorResponse(msg)
	}
	if err := l.service.Login(req.Username); err != nil {
		return errorResponse(err.Error())
	}
	return okResponse()
}

func (l *Listener) backfillVisibility() response {
	if _, err := l.service.BackfillVisibility(); err != nil {
		return errorResponse(err.Error())
	}
	resp := okResponse()
	resp["message"] = "backfill executed"
	return resp
}

// required validates one per-action parameter struct and phrases the
// missing fields the way clients expect ("username and group required").
func required(params any) (string, bool) {
	err := validate.Struct(params)
	if err == nil {
		return "", true
	}
	var missing []string
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) {
		for _, fieldError := range fieldErrors {
			missing = append(missing, strings.ToLower(fieldError.Field()))
		}
	}
	if len(missing) == 0 {
		return err.Error(), false
	}
	return strings.Join(missing, " and ") + " required", false
}
