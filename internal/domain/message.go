package domain

import "time"

// PayloadKind classifies the content of an inbound or outbound message.
type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadImage    PayloadKind = "image"
	PayloadVideo    PayloadKind = "video"
	PayloadAudio    PayloadKind = "audio"
	PayloadFile     PayloadKind = "file"
	PayloadLocation PayloadKind = "location"
	PayloadOther    PayloadKind = "other"
)

// Payload is the body of a single customer message.
type Payload struct {
	Kind            PayloadKind `json:"kind"`
	Text            string      `json:"text,omitempty"`
	MediaURL        string      `json:"media_url,omitempty"`
	MimeType        string      `json:"mime_type,omitempty"`
	Caption         string      `json:"caption,omitempty"`
	QuotedMessageID string      `json:"quoted_message_id,omitempty"`
}

// IngestRequest is what the channel layer hands to the grouping buffer.
type IngestRequest struct {
	TenantID          string
	ConversationID    string
	CustomerID        string
	ProviderMessageID string
	Payload           Payload
	ReceivedAt        time.Time // zero means "now"
}

// InboundMessage is one received customer message as persisted by the event store.
// Only the grouped/group/dispatched fields change after it is written.
type InboundMessage struct {
	ID                int64     `json:"id"`
	TenantID          string    `json:"tenant_id"`
	ConversationID    string    `json:"conversation_id"`
	CustomerID        string    `json:"customer_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	Seq               int64     `json:"seq"`
	ReceivedAt        time.Time `json:"received_at"`
	Payload           Payload   `json:"payload"`
	Grouped           bool      `json:"grouped"`
	GroupID           string    `json:"group_id,omitempty"`
	Dispatched        bool      `json:"dispatched"`
}

// GroupAssignment reports where an ingested message ended up.
type GroupAssignment struct {
	MessageID int64  `json:"message_id"`
	GroupID   string `json:"group_id"`
	Seq       int64  `json:"seq"`
	NewGroup  bool   `json:"new_group"`
	Duplicate bool   `json:"duplicate"`
}
