package telegram

import (
	"time"

	"github.com/velikov/florin"
)

// toInbound converts one wire message into the platform-neutral form the
// rest of the bot works on. Returns nil for messages without content the
// bot handles (joins, pins, service messages).
func toInbound(m *Message) *florin.InboundMessage {
	in := &florin.InboundMessage{
		ChatID:       m.Chat.ID,
		ChatType:     m.Chat.Type,
		ChatTitle:    m.Chat.Title,
		MessageID:    m.MessageID,
		Date:         time.Unix(m.Date, 0).UTC(),
		IsForum:      m.Chat.IsForum,
		Text:         m.Text,
		MediaGroupID: m.MediaGroupID,
	}
	if m.From != nil {
		in.UserID = m.From.ID
		in.Username = m.From.Username
		in.FirstName = m.From.FirstName
		in.LanguageCode = m.From.LanguageCode
	}
	if m.IsTopicMessage {
		in.TopicID = m.MessageThreadID
	}
	if m.Caption != "" && in.Text == "" {
		in.Text = m.Caption
	}

	switch {
	case len(m.Photo) > 0:
		// Telegram sends every resolution; the last entry is the largest.
		p := m.Photo[len(m.Photo)-1]
		in.ContentType = florin.ContentPhoto
		in.File = &florin.InboundFile{
			TelegramFileID:   p.FileID,
			TelegramUniqueID: p.FileUniqueID,
			Size:             p.FileSize,
		}
	case m.Document != nil:
		in.ContentType = florin.ContentDocument
		in.File = &florin.InboundFile{
			TelegramFileID:   m.Document.FileID,
			TelegramUniqueID: m.Document.FileUniqueID,
			Filename:         m.Document.FileName,
			MIME:             m.Document.MimeType,
			Size:             m.Document.FileSize,
		}
	case m.Voice != nil:
		in.ContentType = florin.ContentVoice
		in.File = &florin.InboundFile{
			TelegramFileID:   m.Voice.FileID,
			TelegramUniqueID: m.Voice.FileUniqueID,
			MIME:             m.Voice.MimeType,
			Size:             m.Voice.FileSize,
			Duration:         m.Voice.Duration,
		}
	case m.Audio != nil:
		in.ContentType = florin.ContentAudio
		in.File = &florin.InboundFile{
			TelegramFileID:   m.Audio.FileID,
			TelegramUniqueID: m.Audio.FileUniqueID,
			Filename:         m.Audio.FileName,
			MIME:             m.Audio.MimeType,
			Size:             m.Audio.FileSize,
			Duration:         m.Audio.Duration,
		}
	case m.Video != nil:
		in.ContentType = florin.ContentVideo
		in.File = &florin.InboundFile{
			TelegramFileID:   m.Video.FileID,
			TelegramUniqueID: m.Video.FileUniqueID,
			Filename:         m.Video.FileName,
			MIME:             m.Video.MimeType,
			Size:             m.Video.FileSize,
			Duration:         m.Video.Duration,
		}
	case m.VideoNote != nil:
		in.ContentType = florin.ContentVideoNote
		in.File = &florin.InboundFile{
			TelegramFileID:   m.VideoNote.FileID,
			TelegramUniqueID: m.VideoNote.FileUniqueID,
			Size:             m.VideoNote.FileSize,
			Duration:         m.VideoNote.Duration,
		}
	case m.Text != "":
		in.ContentType = florin.ContentText
	default:
		return nil
	}

	if r := m.ReplyToMessage; r != nil && !isTopicServiceReply(m, r) {
		in.Reply = &florin.ReplyContext{
			MessageID: r.MessageID,
			Text:      replySnippet(r),
		}
		if r.From != nil {
			in.Reply.Sender = senderName(r.From)
			in.Reply.IsBot = r.From.IsBot
		}
	}
	if m.Quote != nil {
		in.Quote = &florin.QuoteContext{Text: m.Quote.Text}
	}
	if o := m.ForwardOrigin; o != nil {
		in.Forward = forwardContext(o)
	}
	return in
}

// isTopicServiceReply filters the implicit reply Telegram attaches to every
// topic message, which points at the topic's opening service message.
func isTopicServiceReply(m, reply *Message) bool {
	return m.IsTopicMessage && reply.MessageID == m.MessageThreadID
}

const replySnippetLimit = 200

// replySnippet is the quoted preview of a replied-to message.
func replySnippet(m *Message) string {
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if text == "" {
		switch {
		case len(m.Photo) > 0:
			text = "[photo]"
		case m.Document != nil:
			text = "[document: " + m.Document.FileName + "]"
		case m.Voice != nil:
			text = "[voice message]"
		case m.Video != nil:
			text = "[video]"
		case m.VideoNote != nil:
			text = "[video note]"
		case m.Audio != nil:
			text = "[audio]"
		}
	}
	if r := []rune(text); len(r) > replySnippetLimit {
		text = string(r[:replySnippetLimit]) + "…"
	}
	return text
}

func senderName(u *User) string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Username
}

func forwardContext(o *MessageOrigin) *florin.ForwardContext {
	fc := &florin.ForwardContext{Date: time.Unix(o.Date, 0).UTC()}
	switch o.Type {
	case "user":
		if o.SenderUser != nil {
			fc.SenderName = senderName(o.SenderUser)
		}
	case "hidden_user":
		fc.SenderName = o.SenderUserName
	case "chat":
		if o.SenderChat != nil {
			fc.ChatTitle = o.SenderChat.Title
		}
	case "channel":
		if o.Chat != nil {
			fc.ChatTitle = o.Chat.Title
		}
	}
	return fc
}
