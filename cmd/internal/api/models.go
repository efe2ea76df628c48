package api

import (
	"time"

	"github.com/samber/lo"

	"chatter/cmd/internal/chat"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Username string `json:"username" validate:"required,min=3,max=25"`
	ImageURL string `json:"imageUrl" validate:"omitempty,url,max=2048"`
}

type devTokenRequest struct {
	UserID string `json:"userId" validate:"required,max=64"`
}

type createChatRequest struct {
	Name      string   `json:"name" validate:"required,min=3,max=60"`
	IsPrivate bool     `json:"isPrivate"`
	MemberIDs []string `json:"memberIds" validate:"max=100,dive,required,max=64"`
}

type sendMessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	ImageURL  *string   `json:"imageUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// authorResponse is the public view of a user; it never carries the email.
type authorResponse struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	ImageURL *string `json:"imageUrl"`
}

type messageResponse struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chatId"`
	AuthorID  string          `json:"authorId"`
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
	Author    *authorResponse `json:"author"`
}

type chatResponse struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	IsPrivate     bool             `json:"isPrivate"`
	CreatorID     string           `json:"creatorId"`
	MemberIDs     []string         `json:"memberIds"`
	CreatedAt     time.Time        `json:"createdAt"`
	LatestMessage *messageResponse `json:"latestMessage"`
}

type chatPageResponse struct {
	Items       []chatResponse `json:"items"`
	EndCursor   *string        `json:"endCursor"`
	HasNextPage bool           `json:"hasNextPage"`
}

type messagePageResponse struct {
	Items           []messageResponse `json:"items"`
	StartCursor     *string           `json:"startCursor"`
	EndCursor       *string           `json:"endCursor"`
	HasPreviousPage bool              `json:"hasPreviousPage"`
	HasNextPage     bool              `json:"hasNextPage"`
}

type devTokenResponse struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toUserResponse(u chat.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		ImageURL:  optional(u.ImageURL),
		CreatedAt: u.CreatedAt,
	}
}

func toMessageResponse(m chat.Message) messageResponse {
	out := messageResponse{
		ID:        m.ID,
		ChatID:    m.ChatID,
		AuthorID:  m.AuthorID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if m.Author != nil {
		out.Author = &authorResponse{ID: m.Author.ID, Username: m.Author.Username, ImageURL: optional(m.Author.ImageURL)}
	}
	return out
}

func toChatResponse(c chat.Chat) chatResponse {
	out := chatResponse{
		ID:        c.ID,
		Name:      c.Name,
		IsPrivate: c.IsPrivate,
		CreatorID: c.CreatorID,
		MemberIDs: c.MemberIDs,
		CreatedAt: c.CreatedAt,
	}
	if out.MemberIDs == nil {
		out.MemberIDs = []string{}
	}
	if c.LatestMessage != nil {
		lm := toMessageResponse(*c.LatestMessage)
		out.LatestMessage = &lm
	}
	return out
}

func toChatPageResponse(p chat.ChatPage) chatPageResponse {
	return chatPageResponse{
		Items:       lo.Map(p.Chats, func(c chat.Chat, _ int) chatResponse { return toChatResponse(c) }),
		EndCursor:   optional(p.EndCursor),
		HasNextPage: p.HasNextPage,
	}
}

func toMessagePageResponse(p chat.MessagePage) messagePageResponse {
	return messagePageResponse{
		Items:           lo.Map(p.Messages, func(m chat.Message, _ int) messageResponse { return toMessageResponse(m) }),
		StartCursor:     optional(p.StartCursor),
		EndCursor:       optional(p.EndCursor),
		HasPreviousPage: p.HasPreviousPage,
		HasNextPage:     p.HasNextPage,
	}
}
