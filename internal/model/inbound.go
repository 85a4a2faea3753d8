package model

import "fmt"

// ChatType is the Telegram chat kind.
type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// IsGroup reports whether the chat is a group or supergroup.
func (c ChatType) IsGroup() bool {
	return c == ChatGroup || c == ChatSupergroup
}

// AttachmentKind identifies submitted media.
type AttachmentKind string

const (
	AttachmentNone     AttachmentKind = ""
	AttachmentImage    AttachmentKind = "image"
	AttachmentVoice    AttachmentKind = "voice"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment is media already fetched by the transport layer.
type Attachment struct {
	Kind     AttachmentKind
	FileRef  string
	FileName string
	MimeType string
	Data     []byte
}

// InboundMessage is a normalized incoming message. Mentions are already stripped.
type InboundMessage struct {
	UpdateID   int64
	UserID     string
	ChatID     int64
	ChatType   ChatType
	MessageID  int64
	Text       string
	Attachment *Attachment
	IsEdit     bool
}

// AttachmentKind returns the attachment kind or AttachmentNone.
func (m InboundMessage) AttachmentKind() AttachmentKind {
	if m.Attachment == nil {
		return AttachmentNone
	}
	return m.Attachment.Kind
}

// MessageRef identifies a message across chats.
func MessageRef(chatID, messageID int64) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

// Ref returns the MessageRef of the inbound message.
func (m InboundMessage) Ref() string {
	return MessageRef(m.ChatID, m.MessageID)
}
