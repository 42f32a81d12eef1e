package services

import (
	"log/slog"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"

	"chat-relay/repositories"
	"chat-relay/runtime"
	"chat-relay/storage"
)

// HistoryEntry is one history row as exposed on the admin surface.
type HistoryEntry struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	TextContent string `json:"text_content"`
	FilePath    string `json:"file_path"`
	Timestamp   int64  `json:"timestamp"`
}

// ChatService is the facade the proxy surface drives. It owns no state of
// its own; every operation delegates to the router, the history store or
// the audio store.
type ChatService struct {
	log     *slog.Logger
	router  *runtime.Router
	history *repositories.History
	audio   *storage.AudioStore
}

func NewChatService(log *slog.Logger, router *runtime.Router, history *repositories.History, audio *storage.AudioStore) *ChatService {
	return &ChatService{log: log, router: router, history: history, audio: audio}
}

func (s *ChatService) CreateGroup(group string) error {
	return s.router.CreateGroup(group)
}

func (s *ChatService) JoinGroup(username, group string) error {
	return s.router.JoinGroup(username, group)
}

func (s *ChatService) SendText(username, recipient, text string) error {
	return s.router.SendText(username, recipient, text)
}

func (s *ChatService) SendVoice(username, recipient string, content []byte, fileName string) (string, error) {
	return s.router.SendVoice(username, recipient, content, fileName)
}

func (s *ChatService) DeleteChat(username, recipient string) error {
	return s.history.DeleteConversation(username, recipient, s.router.Groups().IsGroup(recipient))
}

func (s *ChatService) FetchHistory(username, recipient string) ([]HistoryEntry, error) {
	rows, err := s.history.FetchHistory(username, recipient, s.router.Groups().IsGroup(recipient))
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(row repositories.MessageRow, _ int) HistoryEntry {
		return HistoryEntry{
			ID:          row.ID,
			Type:        row.Type,
			Sender:      row.Sender,
			Recipient:   row.Recipient,
			TextContent: row.TextContent,
			FilePath:    row.FilePath,
			Timestamp:   row.Timestamp,
		}
	}), nil
}

// FetchAudio loads a stored voice-note blob and sniffs its MIME type.
func (s *ChatService) FetchAudio(file string) ([]byte, string, error) {
	content, err := s.audio.Load(file)
	if err != nil {
		return nil, "", err
	}
	return content, mimetype.Detect(content).String(), nil
}

func (s *ChatService) ListGroups(username string) ([]string, error) {
	return s.history.GroupsForUser(username)
}

func (s *ChatService) ListUsers() ([]string, error) {
	return s.history.AllUsers()
}

func (s *ChatService) Login(username string) error {
	return s.history.UpsertUser(username)
}

func (s *ChatService) BackfillVisibility() (int, error) {
	return s.history.BackfillVisibility()
}
