package models

type CreateDirectChatRequest struct {
	RecipientID int `json:"recipient_id"`
}

type ChatResponse struct {
	ChatID string `json:"chat_id"`
	IsNew  bool   `json:"is_new"`
}
