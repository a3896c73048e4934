package app

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dipu67/socialApp-sub000/internal/db"
	"github.com/dipu67/socialApp-sub000/internal/handlers"
	"github.com/dipu67/socialApp-sub000/internal/models"
	"github.com/dipu67/socialApp-sub000/internal/services"
	"github.com/dipu67/socialApp-sub000/internal/utils"
	"github.com/dipu67/socialApp-sub000/internal/ws"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func Run() {
	// Load Env
	if err := utils.LoadEnv(); err != nil {
		log.Println("Warning: .env file not found")
	}

	// Init DB
	connString := utils.GetEnv("DATABASE_URL", "")
	if connString == "" {
		// Fallback to individual vars
		connString = "postgres://" + utils.GetEnv("POSTGRES_USER", "postgres") + ":" +
			utils.GetEnv("POSTGRES_PASSWORD", "postgres") + "@" +
			utils.GetEnv("POSTGRES_HOST", "localhost") + ":" +
			utils.GetEnv("POSTGRES_PORT", "5432") + "/" +
			utils.GetEnv("POSTGRES_DB", "socialdb") + "?sslmode=disable"
	}

	if err := db.InitDB(connString, int32(utils.GetEnvInt("DB_MAX_CONNS", 10))); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseDB()

	// Services
	userService := services.NewUserService()
	chatService := services.NewChatService()

	// Relay: lease must outlive a few missed heartbeats.
	heartbeat := utils.GetEnvDuration("RELAY_HEARTBEAT", 15*time.Second)
	relay := ws.NewRelay(chatService, 3*heartbeat, heartbeat)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	relay.StartJanitor(janitorCtx)

	// Fiber App
	app := fiber.New()

	// Middleware
	app.Use(logger.New())
	app.Use(recover.New())
	app.Use(cors.New())

	// Routes
	api := app.Group("/api")

	// Public Routes
	api.Post("/register", func(c *fiber.Ctx) error {
		var req models.RegisterRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "Invalid request"})
		}
		user, err := userService.Register(c.Context(), req)
		if err != nil {
			if errors.Is(err, services.ErrUserExists) {
				return c.Status(400).JSON(fiber.Map{"error": "username already exists"})
			}
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(201).JSON(user)
	})

	api.Post("/login", func(c *fiber.Ctx) error {
		var req models.LoginRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "Invalid request"})
		}
		res, err := userService.Login(c.Context(), req)
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(res)
	})

	// Refresh token endpoint
	api.Post("/refresh", func(c *fiber.Ctx) error {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "Invalid request"})
		}
		if body.RefreshToken == "" {
			return c.Status(400).JSON(fiber.Map{"error": "refresh_token required"})
		}

		claims, err := services.ValidateRefreshToken(body.RefreshToken)
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": "invalid refresh token"})
		}

		userIDf, ok := claims["user_id"].(float64)
		if !ok {
			return c.Status(401).JSON(fiber.Map{"error": "invalid token claims"})
		}
		username, ok := claims["username"].(string)
		if !ok {
			return c.Status(401).JSON(fiber.Map{"error": "invalid token claims"})
		}

		userID := int(userIDf)

		access, err := services.GenerateJWT(userID, username)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "failed to generate access token"})
		}
		refresh, err := services.GenerateRefreshToken(userID, username)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "failed to generate refresh token"})
		}

		return c.JSON(fiber.Map{
			"access_token":  access,
			"refresh_token": refresh,
		})
	})

	// Protected Routes
	protected := api.Group("/")
	protected.Use(handlers.AuthMiddleware(userService))

	protected.Post("/chats/direct", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(int)

		var req models.CreateDirectChatRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "Invalid request"})
		}
		if req.RecipientID == 0 {
			return c.Status(400).JSON(fiber.Map{"error": "Recipient ID required"})
		}

		res, err := chatService.GetOrCreateDirectChat(c.Context(), userID, req.RecipientID)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(res)
	})

	// List users with online status
	protected.Get("/users", func(c *fiber.Ctx) error {
		authUserID := c.Locals("user_id").(int)

		users, err := userService.ListUsers(c.Context())
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "failed to fetch users"})
		}

		var resp []fiber.Map
		for _, u := range users {
			if u.ID == authUserID {
				continue
			}
			status := "offline"
			if relay.Rooms().IsUserOnline(u.ID) {
				status = "online"
			}
			resp = append(resp, fiber.Map{
				"id":         u.ID,
				"username":   u.Username,
				"created_at": u.CreatedAt,
				"status":     status,
			})
		}
		return c.JSON(resp)
	})

	// Message history and durable writes
	protected.Get("/chats/:chat_id/messages", handlers.GetMessagesHandler(chatService))
	protected.Post("/chats/:chat_id/messages", handlers.SendMessageHandler(chatService))
	protected.Post("/messages/:message_id/reactions", handlers.ToggleReactionHandler(chatService))

	// Unread ledger
	protected.Get("/unread", handlers.UnreadCountsHandler(chatService))
	protected.Post("/chats/:chat_id/read", handlers.MarkReadHandler(chatService))

	// Health Check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// WebSocket Route
	// Note: Middleware order matters. AuthMiddleware checks token.
	// UpgradeMiddleware checks if it's a WS request.
	app.Use("/ws", ws.UpgradeMiddleware)
	app.Use("/ws", handlers.AuthMiddleware(userService))
	app.Get("/ws", relay.Handler())

	// Start Server
	port := utils.GetEnv("PORT", "3001")
	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Panic(err)
		}
	}()

	// Graceful Shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c // Block until signal
	log.Println("Gracefully shutting down...")
	stopJanitor()
	_ = app.Shutdown()
	log.Println("Server shutdown complete")
}
