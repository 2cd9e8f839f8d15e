package bot

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/platform/telegram"
)

// WebhookServer drives the bot from Telegram webhook deliveries instead of
// long polling.
type WebhookServer struct {
	bot    *Bot
	server *http.Server
}

func NewWebhookServer(bot *Bot, port int, debug bool) *WebhookServer {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	ws := &WebhookServer{bot: bot}
	router.POST("/webhook", ws.handleUpdate)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ws.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

func (ws *WebhookServer) handleUpdate(c *gin.Context) {
	var update telegram.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed update"})
		return
	}

	if ev, ok := FromUpdate(update); ok {
		ws.bot.Handle(c.Request.Context(), ev)
	}
	c.Status(http.StatusOK)
}

// Start runs the listener until Shutdown is called.
func (ws *WebhookServer) Start() {
	go func() {
		logger.Info().Str("addr", ws.server.Addr).Msg("Webhook server started")
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Webhook server failed")
		}
	}()
}

func (ws *WebhookServer) Shutdown(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}
