package telegram

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/capitalize-ai/gembot/internal/model"
)

// Normalize turns an update into an inbound message for the orchestrator. It
// reports false for updates the bot ignores: in group chats media is always
// ignored and text only counts when the bot is mentioned. Mentions are
// stripped. Attachment data is left for the caller to download.
func Normalize(u Update, botUsername string) (model.InboundMessage, bool) {
	msg, isEdit := u.Message, false
	if msg == nil {
		msg, isEdit = u.EditedMessage, true
	}
	if msg == nil {
		return model.InboundMessage{}, false
	}

	chatType := model.ChatType(msg.Chat.Type)
	if chatType == model.ChatChannel {
		return model.InboundMessage{}, false
	}

	text := msg.Text
	entities := msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}

	if chatType.IsGroup() {
		if hasMedia(msg) {
			return model.InboundMessage{}, false
		}
		if !Mentions(text, entities, botUsername) {
			return model.InboundMessage{}, false
		}
	}

	in := model.InboundMessage{
		UpdateID:   u.UpdateID,
		ChatID:     msg.Chat.ID,
		ChatType:   chatType,
		MessageID:  msg.MessageID,
		Text:       StripMention(text, botUsername),
		Attachment: attachmentOf(msg),
		IsEdit:     isEdit,
	}
	if msg.From != nil {
		in.UserID = strconv.FormatInt(msg.From.ID, 10)
	} else {
		in.UserID = strconv.FormatInt(msg.Chat.ID, 10)
	}

	if in.Attachment == nil && strings.TrimSpace(in.Text) == "" {
		return model.InboundMessage{}, false
	}
	return in, true
}

func hasMedia(msg *Message) bool {
	return len(msg.Photo) > 0 || msg.Voice != nil || msg.Document != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Video != nil
}

func attachmentOf(msg *Message) *model.Attachment {
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.Width*p.Height > largest.Width*largest.Height {
				largest = p
			}
		}
		return &model.Attachment{Kind: model.AttachmentImage, FileRef: largest.FileID, MimeType: "image/jpeg"}
	case msg.Voice != nil:
		mime := msg.Voice.MimeType
		if mime == "" {
			mime = "audio/ogg"
		}
		return &model.Attachment{Kind: model.AttachmentVoice, FileRef: msg.Voice.FileID, FileName: "voice.ogg", MimeType: mime}
	case msg.Document != nil:
		return &model.Attachment{
			Kind:     model.AttachmentDocument,
			FileRef:  msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
		}
	}
	return nil
}

// Mentions reports whether text addresses the bot, either literally or
// through a mention entity.
func Mentions(text string, entities []Entity, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	handle := "@" + strings.ToLower(botUsername)
	if strings.Contains(strings.ToLower(text), handle) {
		return true
	}
	for _, e := range entities {
		switch e.Type {
		case "mention":
			if strings.EqualFold(entityText(text, e), handle) {
				return true
			}
		case "text_mention":
			if e.User != nil && e.User.IsBot && strings.EqualFold(e.User.Username, botUsername) {
				return true
			}
		}
	}
	return false
}

// entityText slices text by an entity's UTF-16 offsets.
func entityText(text string, e Entity) string {
	units := utf16.Encode([]rune(text))
	if e.Offset < 0 || e.Length < 0 || e.Offset+e.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
}

// StripMention removes every @botUsername from text.
func StripMention(text, botUsername string) string {
	if botUsername == "" {
		return strings.TrimSpace(text)
	}
	re := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(botUsername) + `\b`)
	return strings.TrimSpace(re.ReplaceAllString(text, ""))
}

// ParseCommand splits "/cmd args" and reports whether text is a command.
func ParseCommand(text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	cmd, args, _ = strings.Cut(text[1:], " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(args), cmd != ""
}
