package v1

import "time"

type SubscribePayload struct {
	ChatIDs []string `json:"chat_ids"`
}

type SubscribedPayload struct {
	ChatIDs []string `json:"chat_ids"`
}

// UnsubscribePayload is empty; the connection holds at most one subscription.
type UnsubscribePayload struct{}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	ImageURL string `json:"image_url,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Author    *User     `json:"author,omitempty"`
}

type MessageNewPayload struct {
	Message Message `json:"message"`
}

type DeliveryGapPayload struct {
	Missed uint64 `json:"missed"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RequestID echoes the envelope id that caused the error, when known.
	RequestID string `json:"request_id,omitempty"`
}
