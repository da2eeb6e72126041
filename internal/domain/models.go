package domain

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID       uuid.UUID `json:"id"`
	UserName string    `json:"userName"`
}

type Chat struct {
	ID            uuid.UUID   `json:"id"`
	Members       []uuid.UUID `json:"members"`
	IsGroupChat   bool        `json:"isGroupChat"`
	Name          string      `json:"name,omitempty"`
	LatestMessage *Message    `json:"latestMessage,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// HasMember reports whether userID belongs to the chat.
func (c *Chat) HasMember(userID uuid.UUID) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

type Message struct {
	ID        uuid.UUID   `json:"id"`
	ChatID    uuid.UUID   `json:"chatId"`
	SenderID  uuid.UUID   `json:"senderId"`
	Sender    *User       `json:"sender,omitempty"`
	Content   string      `json:"content"`
	ReadBy    []uuid.UUID `json:"readBy"`
	DeletedAt *time.Time  `json:"deletedAt,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ChatEvent is the envelope carried by the queue between the gateway and the dispatcher.
type ChatEvent struct {
	ChatID    string    `json:"chatId" validate:"required,uuid"`
	SenderID  string    `json:"senderId" validate:"required,uuid"`
	Content   string    `json:"content" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

type Notification struct {
	Type       string    `json:"type"`
	ChatID     uuid.UUID `json:"chatId"`
	SenderName string    `json:"senderName"`
	Preview    string    `json:"preview"`
}

type MessageFailed struct {
	ChatID  string `json:"chatId"`
	Preview string `json:"preview"`
	Reason  string `json:"reason"`
}

const (
	EventJoinChat      = "joinChat"
	EventLeaveChat     = "leaveChat"
	EventSendMessage   = "sendMessage"
	EventNewMessage    = "newMessage"
	EventNotification  = "notification"
	EventMessageFailed = "messageFailed"
	EventError         = "error"

	NotificationMessageReceived = "MESSAGE_RECEIVED"

	// EventTypeChatProcessing tags queued chat events on the wire.
	EventTypeChatProcessing = "chat_processing"

	AnonymousSender = "Anonymous"
	PreviewLength   = 50
)

func ChatRoom(chatID string) string { return "chat_" + chatID }

func UserRoom(userID string) string { return "user_" + userID }

// Preview returns the first PreviewLength characters of content.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= PreviewLength {
		return content
	}
	return string(r[:PreviewLength])
}
