package messages

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeText  Type = "text"
	TypeImage Type = "image"
	TypeEmoji Type = "emoji"
)

func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeEmoji:
		return true
	}
	return false
}

type Attachment struct {
	ID          string `json:"id,omitempty"`
	URL         string `json:"url"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

type Message struct {
	ID          string       `json:"id"`
	TempID      string       `json:"tempId,omitempty"`
	RoomID      string       `json:"roomId"`
	SenderID    string       `json:"senderId,omitempty"`
	SenderName  string       `json:"senderName,omitempty"`
	Content     string       `json:"content"`
	Type        Type         `json:"messageType"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Status      Status       `json:"status,omitempty"`
	IsTemporary bool         `json:"isTemporary,omitempty"`
	DeliveredAt *time.Time   `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time   `json:"readAt,omitempty"`
}

const tempPrefix = "temp_"

// NewTempID returns a provisional id of the form temp_<unixmillis>_<random>.
func NewTempID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s%d_%s", tempPrefix, now.UnixMilli(), random)
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// Clone returns a deep copy so callers never alias store-owned state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return &c
}

// Draft is outgoing content before it becomes a provisional message.
type Draft struct {
	Content     string
	Type        Type
	Attachments []Attachment
}

func NewProvisional(roomID, senderID string, d Draft, now time.Time) *Message {
	typ := d.Type
	if typ == "" {
		typ = TypeText
	}
	id := NewTempID(now)
	return &Message{
		ID:          id,
		TempID:      id,
		RoomID:      roomID,
		SenderID:    senderID,
		Content:     d.Content,
		Type:        typ,
		Attachments: append([]Attachment(nil), d.Attachments...),
		Timestamp:   now,
		Status:      StatusSending,
		IsTemporary: true,
	}
}
