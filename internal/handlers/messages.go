package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dipu67/socialApp-sub000/internal/services"
	"github.com/dipu67/socialApp-sub000/wire"
)

// GetMessagesHandler returns chat history in chronological order, scoped to
// verified participants. Supports ?limit= and ?before= (RFC3339) paging.
func GetMessagesHandler(chatService *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(int)
		chatID := c.Params("chat_id")

		ok, err := chatService.IsParticipant(c.Context(), chatID, userID)
		if err != nil {
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if !ok {
			return c.Status(http.StatusForbidden).JSON(fiber.Map{"error": "not a participant"})
		}

		limit := c.QueryInt("limit", 50)
		var before time.Time
		if raw := c.Query("before"); raw != "" {
			before, err = time.Parse(time.RFC3339, raw)
			if err != nil {
				return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid before timestamp"})
			}
		}

		messages, err := chatService.GetRecentMessages(c.Context(), chatID, limit, before)
		if err != nil {
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if messages == nil {
			messages = []wire.Message{}
		}
		return c.JSON(messages)
	}
}

// SendMessageHandler performs the durable write for a new message and returns
// the created message with its server-issued ID and the sender's own read
// receipt.
func SendMessageHandler(chatService *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(int)
		username := c.Locals("username").(string)
		chatID := c.Params("chat_id")

		var req wire.SendMessageRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}

		ok, err := chatService.IsParticipant(c.Context(), chatID, userID)
		if err != nil {
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if !ok {
			return c.Status(http.StatusForbidden).JSON(fiber.Map{"error": "not a participant"})
		}

		msg := &wire.Message{
			ChatID:     chatID,
			SenderID:   userID,
			SenderName: username,
			Kind:       req.Kind,
			Content:    req.Content,
			Attachment: req.Attachment,
		}
		if err := chatService.SaveMessage(c.Context(), msg); err != nil {
			if errors.Is(err, services.ErrEmptyMessage) {
				return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
			}
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}

		return c.Status(http.StatusCreated).JSON(msg)
	}
}

// ToggleReactionHandler toggles the caller's reaction on a message and
// returns the message's full updated reaction set.
func ToggleReactionHandler(chatService *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(int)
		messageID := c.Params("message_id")

		var req wire.ReactionRequest
		if err := c.BodyParser(&req); err != nil || req.Emoji == "" {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "emoji required"})
		}

		chatID, err := chatService.GetMessageChat(c.Context(), messageID)
		if err != nil {
			return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "message not found"})
		}
		ok, err := chatService.IsParticipant(c.Context(), chatID, userID)
		if err != nil {
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if !ok {
			return c.Status(http.StatusForbidden).JSON(fiber.Map{"error": "not a participant"})
		}

		reactions, err := chatService.ToggleReaction(c.Context(), messageID, userID, req.Emoji)
		if err != nil {
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}

		return c.JSON(wire.ReactionResponse{MessageID: messageID, Reactions: reactions})
	}
}

// UnreadCountsHandler returns the caller's per-chat unread counts and total.
func UnreadCountsHandler(chatService *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(int)

		counts, err := chatService.UnreadCounts(c.Context(), userID)
		if err != nil {
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(counts)
	}
}

// MarkReadHandler marks a chat read for the caller. Idempotent.
func MarkReadHandler(chatService *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(int)
		chatID := c.Params("chat_id")

		ok, err := chatService.IsParticipant(c.Context(), chatID, userID)
		if err != nil {
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if !ok {
			return c.Status(http.StatusForbidden).JSON(fiber.Map{"error": "not a participant"})
		}

		if err := chatService.MarkChatRead(c.Context(), chatID, userID); err != nil {
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}
