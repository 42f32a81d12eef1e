package domain

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeText        MessageType = "TEXT"
	TypeVoiceNote   MessageType = "VOICE_NOTE"
	TypeCreateGroup MessageType = "CREATE_GROUP"
	TypeJoinGroup   MessageType = "JOIN_GROUP"
	TypeCallStart   MessageType = "CALL_START"
	TypeCallAccept  MessageType = "CALL_ACCEPT"
	TypeCallReject  MessageType = "CALL_REJECT"
	TypeCallEnd     MessageType = "CALL_END"
)

// IsCallSignal reports whether the type belongs to the call negotiation
// family. Call signals are forwarded to a single recipient and never persisted.
func (t MessageType) IsCallSignal() bool {
	switch t {
	case TypeCallStart, TypeCallAccept, TypeCallReject, TypeCallEnd:
		return true
	}
	return false
}

// Message is one immutable control-channel record. The JSON tags define the
// wire shape on the control connection; Content carries UTF-8 text for TEXT
// frames and the raw audio blob for VOICE_NOTE frames.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	Type      MessageType `json:"type"`
	Sender    string      `json:"sender"`
	Recipient string      `json:"recipient"`
	Content   []byte      `json:"content,omitempty"`
	FileName  string      `json:"fileName,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Text decodes Content as UTF-8. Meaningful for TEXT frames and for the
// group commands, where the group name travels in the content field.
func (m Message) Text() string {
	return string(m.Content)
}

func NewTextMessage(sender, recipient, text string) Message {
	return Message{
		ID:        uuid.New(),
		Type:      TypeText,
		Sender:    sender,
		Recipient: recipient,
		Content:   []byte(text),
		Timestamp: time.Now().UTC(),
	}
}

func NewVoiceNote(sender, recipient string, content []byte, fileName string) Message {
	return Message{
		ID:        uuid.New(),
		Type:      TypeVoiceNote,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		FileName:  fileName,
		Timestamp: time.Now().UTC(),
	}
}
