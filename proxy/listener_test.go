package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chat-relay/repositories"
	"chat-relay/runtime"
	"chat-relay/services"
	"chat-relay/storage"
)

type proxyHarness struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func startProxy(t *testing.T) *proxyHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "history.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	audio, err := storage.NewAudioStore(t.TempDir())
	require.NoError(t, err)
	history, err := repositories.NewHistory(db, audio, slog.Default())
	require.NoError(t, err)
	router := runtime.NewRouter(slog.Default(), runtime.NewDirectory(), runtime.NewGroupTable(), history)
	service := services.NewChatService(slog.Default(), router, history, audio)

	tcpListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listener := NewListener(slog.Default(), tcpListener, service)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = listener.Run(ctx) }()
	t.Cleanup(cancel)

	conn, err := net.Dial("tcp", tcpListener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	return &proxyHarness{conn: conn, scanner: scanner}
}

func (h *proxyHarness) roundtrip(t *testing.T, request map[string]any) map[string]any {
	t.Helper()
	line, err := json.Marshal(request)
	require.NoError(t, err)
	require.NoError(t, h.conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = h.conn.Write(append(line, '\n'))
	require.NoError(t, err)
	require.True(t, h.scanner.Scan(), "expected one response line")
	var response map[string]any
	require.NoError(t, json.Unmarshal(h.scanner.Bytes(), &response))
	return response
}

func TestProxy_Text_Lifecycle(t *testing.T) {
	req := require.New(t)
	harness := startProxy(t)

	// login, group setup
	resp := harness.roundtrip(t, map[string]any{"action": "login", "username": "alice"})
	req.Equal("ok", resp["status"])

	resp = harness.roundtrip(t, map[string]any{"action": "create_group", "group": "team"})
	req.Equal("ok", resp["status"])

	resp = harness.roundtrip(t, map[string]any{"action": "join_group", "username": "bob", "group": "team"})
	req.Equal("ok", resp["status"])

	// alice texts the group
	resp = harness.roundtrip(t, map[string]any{
		"action": "send_text", "username": "alice", "recipient": "team", "text": "hi",
	})
	req.Equal("ok", resp["status"])

	// bob sees it, the non-member carol does not
	resp = harness.roundtrip(t, map[string]any{"action": "fetch_history", "username": "bob", "recipient": "team"})
	req.Equal("ok", resp["status"])
	req.Len(resp["messages"], 1)

	resp = harness.roundtrip(t, map[string]any{"action": "fetch_history", "username": "carol", "recipient": "team"})
	req.Equal("ok", resp["status"])
	req.Empty(resp["messages"])

	// bob deletes his view, alice keeps hers
	resp = harness.roundtrip(t, map[string]any{"action": "delete_chat", "username": "bob", "recipient": "team"})
	req.Equal("ok", resp["status"])
	req.Equal("conversation deleted", resp["message"])

	resp = harness.roundtrip(t, map[string]any{"action": "fetch_history", "username": "bob", "recipient": "team"})
	req.Empty(resp["messages"])

	resp = harness.roundtrip(t, map[string]any{"action": "fetch_history", "username": "alice", "recipient": "team"})
	req.Len(resp["messages"], 1)
}

func TestProxy_Voice_Roundtrip(t *testing.T) {
	req := require.New(t)
	harness := startProxy(t)

	audio := []byte{0x52, 0x49, 0x46, 0x46, 0x10, 0x00, 0x00, 0x00, 0x57, 0x41, 0x56, 0x45}
	resp := harness.roundtrip(t, map[string]any{
		"action": "send_voice", "username": "alice", "recipient": "bob",
		"fileName": "note.wav", "content": base64.StdEncoding.EncodeToString(audio),
	})
	req.Equal("ok", resp["status"])

	// the stored name comes from bob's history view
	resp = harness.roundtrip(t, map[string]any{"action": "fetch_history", "username": "bob", "recipient": "alice"})
	req.Equal("ok", resp["status"])
	messages := resp["messages"].([]any)
	req.Len(messages, 1)
	entry := messages[0].(map[string]any)
	req.Equal("VOICE_NOTE", entry["type"])
	storedName := entry["file_path"].(string)
	req.NotEmpty(storedName)

	// fetch the blob back
	resp = harness.roundtrip(t, map[string]any{"action": "fetch_audio", "file": storedName})
	req.Equal("ok", resp["status"])
	decoded, err := base64.StdEncoding.DecodeString(resp["content"].(string))
	req.NoError(err)
	req.Equal(audio, decoded)
	req.NotEmpty(resp["mime"])
}

func TestProxy_Listings(t *testing.T) {
	req := require.New(t)
	harness := startProxy(t)

	harness.roundtrip(t, map[string]any{"action": "login", "username": "alice"})
	harness.roundtrip(t, map[string]any{"action": "create_group", "group": "team"})
	harness.roundtrip(t, map[string]any{"action": "join_group", "username": "alice", "group": "team"})

	resp := harness.roundtrip(t, map[string]any{"action": "list_groups", "username": "alice"})
	req.Equal("ok", resp["status"])
	req.ElementsMatch([]any{"team"}, resp["groups"])

	resp = harness.roundtrip(t, map[string]any{"action": "list_users"})
	req.Equal("ok", resp["status"])
	req.Contains(resp["users"], "alice")
}

func TestProxy_Errors_Keep_The_Connection_Open(t *testing.T) {
	req := require.New(t)
	harness := startProxy(t)

	// unknown action
	resp := harness.roundtrip(t, map[string]any{"action": "reboot_universe"})
	req.Equal("error", resp["status"])
	req.Equal("unknown action", resp["message"])

	// missing fields
	resp = harness.roundtrip(t, map[string]any{"action": "join_group", "group": "team"})
	req.Equal("error", resp["status"])
	req.Equal("username required", resp["message"])

	// invalid base64
	resp = harness.roundtrip(t, map[string]any{
		"action": "send_voice", "username": "a", "recipient": "b",
		"fileName": "x.wav", "content": "%%%not-base64%%%",
	})
	req.Equal("error", resp["status"])
	req.Equal("invalid base64", resp["message"])

	// the same connection still serves valid requests
	resp = harness.roundtrip(t, map[string]any{"action": "login", "username": "alice"})
	req.Equal("ok", resp["status"])
}

func TestProxy_Backfill_Visibility_Action(t *testing.T) {
	req := require.New(t)
	harness := startProxy(t)

	resp := harness.roundtrip(t, map[string]any{"action": "backfill_visibility"})
	req.Equal("ok", resp["status"])
	req.Equal("backfill executed", resp["message"])
}
