package bot

import (
	"strings"

	"medialink-bot-backend/internal/platform/telegram"
)

// EventKind classifies a normalized inbound update.
type EventKind string

const (
	EventCommand EventKind = "command"
	EventText    EventKind = "text"
	EventButton  EventKind = "button"
	EventPhoto   EventKind = "photo"
	EventVideo   EventKind = "video"
)

// Event is one inbound update flattened into the fields the handlers read.
type Event struct {
	Kind      EventKind
	ChatID    int64
	MessageID int64
	Sender    *telegram.Sender

	// command
	Command string
	Args    []string

	// text
	Text string

	// button
	CallbackID string
	Data       string

	// media
	FileID  string
	Caption string
}

// FromUpdate normalizes a raw update. Returns false for update shapes the
// bot does not handle.
func FromUpdate(u telegram.Update) (Event, bool) {
	if cb := u.CallbackQuery; cb != nil && cb.Message != nil {
		return Event{
			Kind:       EventButton,
			ChatID:     cb.Message.Chat.ID,
			MessageID:  cb.Message.MessageID,
			Sender:     cb.From,
			CallbackID: cb.ID,
			Data:       cb.Data,
		}, true
	}

	msg := u.Message
	if msg == nil {
		return Event{}, false
	}

	ev := Event{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Sender:    msg.From,
	}

	switch {
	case strings.HasPrefix(msg.Text, "/"):
		fields := strings.Fields(msg.Text)
		ev.Kind = EventCommand
		// Strip the @botname suffix used in group chats
		ev.Command = strings.ToLower(strings.SplitN(fields[0], "@", 2)[0])
		ev.Args = fields[1:]
	case len(msg.Photo) > 0:
		ev.Kind = EventPhoto
		// The last size is the largest
		ev.FileID = msg.Photo[len(msg.Photo)-1].FileID
		ev.Caption = msg.Caption
	case msg.Video != nil:
		ev.Kind = EventVideo
		ev.FileID = msg.Video.FileID
		ev.Caption = msg.Caption
	case msg.Text != "":
		ev.Kind = EventText
		ev.Text = msg.Text
	default:
		return Event{}, false
	}
	return ev, true
}

// SenderName returns a display name for the event sender.
func (e *Event) SenderName() string {
	if e.Sender == nil {
		return ""
	}
	if e.Sender.FirstName != "" {
		return e.Sender.FirstName
	}
	return e.Sender.Username
}
