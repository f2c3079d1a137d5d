package models

import (
	"time"
)

// DateLayout is the wire format of MessageRecord.Date, shared with the mobile
// clients.
const DateLayout = "06-01-02 15:4:05.0000 -0700"

// AttachmentText is the text stored with photo messages.
const AttachmentText = "Вложение"

const (
	MessageTypeText  = "text"
	MessageTypePhoto = "photo"
)

// ConversationRef is one entry of users/{id}/conversations/{companionId}.
type ConversationRef struct {
	ConversationID     string `json:"conversationId"`
	LastMessageWasRead bool   `json:"lastMessageWasRead"`
}

// MessageRecord is the stored form of a message at
// conversations/{conversationId}/messages/{messageId}.
type MessageRecord struct {
	Date        string `json:"date"`
	MessageID   string `json:"messageId"`
	Sender      string `json:"sender"`
	MessageType string `json:"messageType"`
	Text        string `json:"text"`
	Attachment  string `json:"attachment,omitempty"`
}

// SentAt parses Date.
func (r MessageRecord) SentAt() (time.Time, error) {
	return time.Parse(DateLayout, r.Date)
}

func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

type Sender struct {
	ID          string `json:"senderId"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl"`
}

// Photo is the media of a photo message. Until the attachment is downloaded
// it is a placeholder carrying only the URL.
type Photo struct {
	URL         string `json:"url"`
	Placeholder bool   `json:"placeholder"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// Message is a message enriched with its sender, ready for display.
type Message struct {
	ID     string    `json:"messageId"`
	Sender Sender    `json:"sender"`
	SentAt time.Time `json:"sentDate"`
	Kind   string    `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Photo  *Photo    `json:"photo,omitempty"`
}

// Companion is one row of a user's conversation list.
type Companion struct {
	CompanionID        string `json:"companionId"`
	ConversationID     string `json:"conversationId"`
	LastMessageWasRead bool   `json:"lastMessageWasRead"`
}

// Preview is the text of a conversation's last message. Text is empty when
// the conversation has no messages yet.
type Preview struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	Text           string `json:"text"`
}
