package repositories

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chat-relay/domain"
	"chat-relay/storage"
)

type User struct {
	Username string `gorm:"primaryKey"`
}

func (User) TableName() string { return "users" }

type Group struct {
	GroupName string `gorm:"primaryKey"`
}

func (Group) TableName() string { return "groups" }

type GroupMember struct {
	GroupName string `gorm:"primaryKey"`
	Username  string `gorm:"primaryKey"`
}

func (GroupMember) TableName() string { return "group_members" }

// MessageRow is one persisted message. Seq is the storage-assigned insertion
// counter used as the explicit tie-break when two rows share a timestamp.
type MessageRow struct {
	Seq         int64  `gorm:"primaryKey;autoIncrement"`
	ID          string `gorm:"uniqueIndex;size:36"`
	Type        string
	Sender      string
	Recipient   string
	IsGroup     bool
	TextContent string
	FilePath    string
	Timestamp   int64 // unix milliseconds
}

func (MessageRow) TableName() string { return "messages" }

// VisibilityRow controls whether one user's history view includes one
// message. Rows are written once at send time; deleting a conversation flips
// Visible to false instead of removing anything.
type VisibilityRow struct {
	MessageID string `gorm:"primaryKey;size:36"`
	Username  string `gorm:"primaryKey"`
	Visible   bool
}

func (VisibilityRow) TableName() string { return "message_visibility" }

// History is the durable message log plus the per-user visibility flags and
// the persisted group membership. Writes are serialized so a message row is
// never observable without its visibility rows; reads run concurrently.
type History struct {
	mu    sync.Mutex
	db    *gorm.DB
	audio *storage.AudioStore
	log   *slog.Logger
}

func NewHistory(db *gorm.DB, audio *storage.AudioStore, log *slog.Logger) (*History, error) {
	err := db.AutoMigrate(&User{}, &Group{}, &GroupMember{}, &MessageRow{}, &VisibilityRow{})
	if err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return &History{db: db, audio: audio, log: log}, nil
}

func (h *History) UpsertUser(username string) error {
	if strings.TrimSpace(username) == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&User{Username: username}).Error
}

// AllUsers merges the users table with every historical sender, so the user
// list survives installs that predate the users table.
func (h *History) AllUsers() ([]string, error) {
	var fromTable []string
	if err := h.db.Model(&User{}).Pluck("username", &fromTable).Error; err != nil {
		return nil, err
	}
	var fromMessages []string
	if err := h.db.Model(&MessageRow{}).Distinct("sender").Pluck("sender", &fromMessages).Error; err != nil {
		return nil, err
	}
	return lo.Union(fromTable, fromMessages), nil
}

func (h *History) InsertGroup(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Group{GroupName: name}).Error
}

func (h *History) InsertGroupMember(group, username string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&GroupMember{GroupName: group, Username: username}).Error
}

func (h *History) GroupsForUser(username string) ([]string, error) {
	var groups []string
	err := h.db.Model(&GroupMember{}).
		Where("username = ?", username).
		Pluck("group_name", &groups).Error
	return groups, err
}

// GroupMembers loads the whole membership table, keyed by group name. Used
// to hydrate the in-memory group table at startup.
func (h *History) GroupMembers() (map[string][]string, error) {
	var rows []GroupMember
	if err := h.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	members := make(map[string][]string)
	for _, row := range rows {
		members[row.GroupName] = append(members[row.GroupName], row.Username)
	}
	return members, nil
}

// SaveText persists one text message and its visibility rows in a single
// transaction. The audience is the recipient set the router resolved at send
// time: the direct recipient, or the group members minus the sender.
func (h *History) SaveText(id uuid.UUID, sender, recipient string, isGroup bool, text string, ts time.Time, audience []string) error {
	row := MessageRow{
		ID:          id.String(),
		Type:        string(domain.TypeText),
		Sender:      sender,
		Recipient:   recipient,
		IsGroup:     isGroup,
		TextContent: text,
		Timestamp:   ts.UnixMilli(),
	}
	return h.insertWithVisibility(row, sender, audience)
}

// SaveVoiceNote writes the audio blob to the content store, then persists the
// message row referencing the stored name. Returns that name.
func (h *History) SaveVoiceNote(id uuid.UUID, sender, recipient string, isGroup bool, content []byte, fileName string, ts time.Time, audience []string) (string, error) {
	storedName, err := h.audio.Save(content, fileName, ts)
	if err != nil {
		return "", err
	}
	row := MessageRow{
		ID:        id.String(),
		Type:      string(domain.TypeVoiceNote),
		Sender:    sender,
		Recipient: recipient,
		IsGroup:   isGroup,
		FilePath:  storedName,
		Timestamp: ts.UnixMilli(),
	}
	if err := h.insertWithVisibility(row, sender, audience); err != nil {
		return "", err
	}
	return storedName, nil
}

func (h *History) insertWithVisibility(row MessageRow, sender string, audience []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, viewer := range visibilityViewers(sender, audience) {
			vis := VisibilityRow{MessageID: row.ID, Username: viewer, Visible: true}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&vis).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// visibilityViewers is the sender plus the audience, deduplicated under the
// case-insensitive identity rules. Visibility rows always store the
// normalized identity so a viewer finds their rows whatever casing they
// connect with.
func visibilityViewers(sender string, audience []string) []string {
	viewers := []string{domain.NormalizeIdentity(sender)}
	for _, member := range audience {
		viewers = append(viewers, domain.NormalizeIdentity(member))
	}
	return lo.Uniq(viewers)
}

// FetchHistory returns the messages the viewer may still see for one
// conversation, oldest first. Same-timestamp rows keep insertion order via
// the seq column.
func (h *History) FetchHistory(viewer, target string, isGroup bool) ([]MessageRow, error) {
	var rows []MessageRow
	query := h.db.Model(&MessageRow{}).
		Joins("JOIN message_visibility v ON v.message_id = messages.id").
		Where("v.username = ? AND v.visible = ?", domain.NormalizeIdentity(viewer), true).
		Where(conversationFilter(h.db, viewer, target, isGroup)).
		Order("messages.timestamp ASC, messages.seq ASC")
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteConversation soft-deletes a conversation for one viewer: their
// visibility rows flip to invisible, nobody else's rows are touched.
func (h *History) DeleteConversation(viewer, target string, isGroup bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	matching := h.db.Model(&MessageRow{}).Select("id").
		Where(conversationFilter(h.db, viewer, target, isGroup))
	return h.db.Model(&VisibilityRow{}).
		Where("username = ? AND message_id IN (?)", domain.NormalizeIdentity(viewer), matching).
		Update("visible", false).Error
}

// conversationFilter resolves target the same way the router does: a group
// conversation matches on the recipient group, a direct one matches the
// viewer/target pair in either direction.
func conversationFilter(db *gorm.DB, viewer, target string, isGroup bool) *gorm.DB {
	if isGroup {
		return db.Where("messages.is_group = ? AND messages.recipient = ?", true, target)
	}
	viewerKey := domain.NormalizeIdentity(viewer)
	targetKey := domain.NormalizeIdentity(target)
	return db.Where(
		"messages.is_group = ? AND ((LOWER(messages.sender) = ? AND LOWER(messages.recipient) = ?) OR (LOWER(messages.sender) = ? AND LOWER(messages.recipient) = ?))",
		false, viewerKey, targetKey, targetKey, viewerKey,
	)
}

// BackfillVisibility repairs rows written before the visibility table
// existed: every message without visibility rows gets them recreated from
// its sender/recipient pair (current group membership for group messages).
// Existing rows are never overwritten, so prior soft-deletes survive.
// Voice-note file paths holding full paths are normalized to basenames.
func (h *History) BackfillVisibility() (int, error) {
	var orphans []MessageRow
	err := h.db.Model(&MessageRow{}).
		Where("id NOT IN (?)", h.db.Model(&VisibilityRow{}).Distinct("message_id")).
		Find(&orphans).Error
	if err != nil {
		return 0, err
	}

	members, err := h.GroupMembers()
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, row := range orphans {
		audience := []string{row.Recipient}
		if row.IsGroup {
			audience = members[row.Recipient]
		}
		h.mu.Lock()
		err := h.db.Transaction(func(tx *gorm.DB) error {
			for _, viewer := range visibilityViewers(row.Sender, audience) {
				vis := VisibilityRow{MessageID: row.ID, Username: viewer, Visible: true}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&vis).Error; err != nil {
					return err
				}
			}
			return nil
		})
		h.mu.Unlock()
		if err != nil {
			return repaired, err
		}
		repaired++
	}

	if err := h.normalizeVoiceNotePaths(); err != nil {
		return repaired, err
	}
	return repaired, nil
}

func (h *History) normalizeVoiceNotePaths() error {
	var notes []MessageRow
	err := h.db.Model(&MessageRow{}).
		Where("type = ? AND file_path <> ''", string(domain.TypeVoiceNote)).
		Find(&notes).Error
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, note := range notes {
		base := filepath.Base(note.FilePath)
		if base == note.FilePath {
			continue
		}
		err := h.db.Model(&MessageRow{}).
			Where("seq = ?", note.Seq).
			Update("file_path", base).Error
		if err != nil {
			return err
		}
	}
	return nil
}
