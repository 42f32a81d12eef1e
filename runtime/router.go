package runtime

import (
	"fmt"
	"log/slog"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/repositories"
)

// Router is the control-plane core: it resolves recipients group-first,
// persists text and voice messages before fanning them out, and forwards
// call signaling untouched. One Router instance owns the session directory
// and the group table; connection workers call into it concurrently.
type Router struct {
	log       *slog.Logger
	directory *Directory
	groups    *GroupTable
	history   *repositories.History
}

func NewRouter(log *slog.Logger, directory *Directory, groups *GroupTable, history *repositories.History) *Router {
	return &Router{log: log, directory: directory, groups: groups, history: history}
}

func (r *Router) Directory() *Directory { return r.directory }
func (r *Router) Groups() *GroupTable   { return r.groups }

// Hydrate restores persisted group membership into the routing tables.
func (r *Router) Hydrate() error {
	members, err := r.history.GroupMembers()
	if err != nil {
		return fmt.Errorf("loading group membership: %w", err)
	}
	r.groups.Hydrate(members)
	return nil
}

// HandleMessage dispatches one inbound control message from a registered
// session. Persistence failures abandon the operation: a message that could
// not be recorded is not delivered.
func (r *Router) HandleMessage(sender string, msg domain.Message) error {
	switch msg.Type {
	case domain.TypeCreateGroup:
		return r.createGroup(msg.Text())

	case domain.TypeJoinGroup:
		return r.joinGroup(sender, msg.Text())

	case domain.TypeText:
		audience, isGroup := r.resolveAudience(sender, msg.Recipient)
		err := r.history.SaveText(msg.ID, msg.Sender, msg.Recipient, isGroup, msg.Text(), msg.Timestamp, audience)
		if err != nil {
			return fmt.Errorf("persisting text message: %w", err)
		}
		r.fanOut(sender, msg, audience)
		return nil

	case domain.TypeVoiceNote:
		audience, isGroup := r.resolveAudience(sender, msg.Recipient)
		_, err := r.history.SaveVoiceNote(msg.ID, msg.Sender, msg.Recipient, isGroup, msg.Content, msg.FileName, msg.Timestamp, audience)
		if err != nil {
			return fmt.Errorf("persisting voice note: %w", err)
		}
		r.fanOut(sender, msg, audience)
		return nil

	default:
		if msg.Type.IsCallSignal() {
			r.forwardSignal(sender, msg)
			return nil
		}
		r.log.Warn("Dropping message of unknown type", "type", msg.Type, "sender", sender)
		return nil
	}
}

func (r *Router) createGroup(name string) error {
	r.groups.Create(name)
	if err := r.history.InsertGroup(name); err != nil {
		return fmt.Errorf("persisting group %q: %w", name, err)
	}
	r.log.Info("Group created", "group", name)
	return nil
}

func (r *Router) joinGroup(member, name string) error {
	if !r.groups.Join(name, member) {
		r.log.Debug("Join ignored, group does not exist", "group", name, "user", member)
		return nil
	}
	if err := r.history.InsertGroupMember(name, member); err != nil {
		return fmt.Errorf("persisting membership of %q in %q: %w", member, name, err)
	}
	r.log.Info("User joined group", "group", name, "user", member)
	return nil
}

// resolveAudience resolves a recipient string group-first and returns the
// recipient set at send time: the group members minus the sender, or the
// single direct recipient.
func (r *Router) resolveAudience(sender, recipient string) ([]string, bool) {
	members, isGroup := r.groups.Members(recipient)
	if !isGroup {
		return []string{recipient}, false
	}
	audience := make([]string, 0, len(members))
	for _, member := range members {
		if !domain.SameIdentity(member, sender) {
			audience = append(audience, member)
		}
	}
	return audience, true
}

// fanOut delivers to every audience member with a live session. Fire and
// forget: members without a live channel silently miss the message, and a
// failed write only matters to the connection that owns the sink.
func (r *Router) fanOut(sender string, msg domain.Message, audience []string) {
	for _, member := range audience {
		sink, ok := r.directory.Get(member)
		if !ok {
			continue
		}
		if err := sink.Send(msg); err != nil {
			r.log.Debug("Delivery failed", "recipient", member, "error", err)
		}
	}
}

// forwardSignal relays a call-signaling message to the single named
// recipient if live. Signals are never persisted.
func (r *Router) forwardSignal(sender string, msg domain.Message) {
	sink, ok := r.directory.Get(msg.Recipient)
	if !ok {
		r.log.Debug("Call signal dropped, recipient offline",
			"type", msg.Type, "recipient", msg.Recipient, "sender", sender)
		return
	}
	if err := sink.Send(msg); err != nil {
		r.log.Debug("Call signal delivery failed", "recipient", msg.Recipient, "error", err)
	}
	r.log.Info("Call signal forwarded", "type", msg.Type, "from", sender, "to", msg.Recipient)
}

// Deliver resolves recipient group-or-direct and fans out without
// persisting. Used by the proxy path after it has persisted on its own.
func (r *Router) Deliver(sender string, msg domain.Message) bool {
	audience, _ := r.resolveAudience(sender, msg.Recipient)
	delivered := false
	for _, member := range audience {
		sink, ok := r.directory.Get(member)
		if !ok {
			continue
		}
		if err := sink.Send(msg); err == nil {
			delivered = true
		}
	}
	return delivered
}

// Register binds an identity to its connection sink.
func (r *Router) Register(identity string, sink contract.ClientSink) {
	r.directory.Register(identity, sink)
	r.log.Info("Session registered", "user", identity)
}

// Disconnect is the sole teardown path: the session leaves the directory and
// is pruned from every group's member set. The groups themselves persist.
func (r *Router) Disconnect(identity string, sink contract.ClientSink) {
	r.directory.Unregister(identity, sink)
	r.groups.RemoveMember(identity)
	r.log.Info("Session disconnected", "user", identity)
}

// SendText is the proxy-originated send: build the message here, persist,
// then fan out to live sessions.
func (r *Router) SendText(sender, recipient, text string) error {
	if err := r.upsertParties(sender, recipient); err != nil {
		return err
	}
	msg := domain.NewTextMessage(sender, recipient, text)
	audience, isGroup := r.resolveAudience(sender, recipient)
	err := r.history.SaveText(msg.ID, sender, recipient, isGroup, text, msg.Timestamp, audience)
	if err != nil {
		return fmt.Errorf("persisting text message: %w", err)
	}
	r.fanOut(sender, msg, audience)
	return nil
}

// SendVoice mirrors SendText for voice notes and returns the stored blob name.
func (r *Router) SendVoice(sender, recipient string, content []byte, fileName string) (string, error) {
	if err := r.upsertParties(sender, recipient); err != nil {
		return "", err
	}
	msg := domain.NewVoiceNote(sender, recipient, content, fileName)
	audience, isGroup := r.resolveAudience(sender, recipient)
	storedName, err := r.history.SaveVoiceNote(msg.ID, sender, recipient, isGroup, content, fileName, msg.Timestamp, audience)
	if err != nil {
		return "", fmt.Errorf("persisting voice note: %w", err)
	}
	r.fanOut(sender, msg, audience)
	return storedName, nil
}

func (r *Router) upsertParties(sender, recipient string) error {
	if err := r.history.UpsertUser(sender); err != nil {
		return fmt.Errorf("registering sender: %w", err)
	}
	if !r.groups.IsGroup(recipient) {
		if err := r.history.UpsertUser(recipient); err != nil {
			return fmt.Errorf("registering recipient: %w", err)
		}
	}
	return nil
}

// CreateGroup and JoinGroup expose the group commands to the proxy surface.
func (r *Router) CreateGroup(name string) error { return r.createGroup(name) }

func (r *Router) JoinGroup(member, name string) error {
	if err := r.history.UpsertUser(member); err != nil {
		return fmt.Errorf("registering user: %w", err)
	}
	// The proxy join creates the group on demand, unlike the control channel.
	if err := r.createGroup(name); err != nil {
		return err
	}
	return r.joinGroup(member, name)
}
