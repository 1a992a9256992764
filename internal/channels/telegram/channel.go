// Package telegram connects the pipeline to the Telegram Bot API via
// long polling. Inbound text becomes orchestrator submissions; results
// and progress come back through the channel sinks, paced by an
// outbound rate limiter.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/channels"
	"github.com/nextlevelbuilder/gocrew/internal/config"
)

const pollTimeoutSec = 30

// StatusFunc renders the /status reply.
type StatusFunc func(ctx context.Context) string

// Channel is the Telegram surface.
type Channel struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	mgr     *channels.Manager
	status  StatusFunc
	limiter *channels.OutboundLimiter
	allowed map[string]bool
	log     *slog.Logger

	lastTask   sync.Map // chatID string → task id string
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the channel. status may be nil, disabling /status detail.
func New(cfg config.TelegramConfig, mgr *channels.Manager, status StatusFunc) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	allowed := map[string]bool{}
	for _, u := range cfg.AllowedUsers {
		allowed[u] = true
	}
	return &Channel{
		bot:     bot,
		cfg:     cfg,
		mgr:     mgr,
		status:  status,
		limiter: channels.NewOutboundLimiter(cfg.RateLimitRPM),
		allowed: allowed,
		log:     slog.Default().With("component", "telegram"),
	}, nil
}

func (c *Channel) Name() string { return "telegram" }

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        pollTimeoutSec,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	c.log.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					c.log.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update goroutine to exit so
// Telegram releases the getUpdates lock.
func (c *Channel) Stop(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			c.log.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	userID := ""
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
	}
	if len(c.allowed) > 0 && !c.allowed[userID] {
		c.log.Warn("message from unlisted user dropped", "user", userID, "chat", chatID)
		return
	}

	switch {
	case strings.HasPrefix(text, "/start"):
		c.reply(ctx, chatID, "Ready. Send me a task and I will run it through the team.")
	case strings.HasPrefix(text, "/status"):
		c.handleStatus(ctx, chatID)
	case strings.HasPrefix(text, "/cancel"):
		c.handleCancel(ctx, chatID)
	default:
		c.handleTask(ctx, chatID, userID, text)
	}
}

func (c *Channel) handleTask(ctx context.Context, chatID, userID, text string) {
	source := board.Source{Channel: "telegram", ChatID: chatID, UserID: userID, Text: text}
	taskID, err := c.mgr.HandleInbound(ctx, source, text)
	if err != nil {
		c.log.Error("submit failed", "chat", chatID, "error", err)
		c.reply(ctx, chatID, "Could not accept that request: "+err.Error())
		return
	}
	c.lastTask.Store(chatID, taskID)
	c.reply(ctx, chatID, "On it.")
}

func (c *Channel) handleStatus(ctx context.Context, chatID string) {
	if c.status == nil {
		c.reply(ctx, chatID, "Running.")
		return
	}
	c.reply(ctx, chatID, c.status(ctx))
}

func (c *Channel) handleCancel(ctx context.Context, chatID string) {
	v, ok := c.lastTask.LoadAndDelete(chatID)
	if !ok {
		c.reply(ctx, chatID, "Nothing to cancel.")
		return
	}
	cancelled, err := c.mgr.CancelTask(ctx, v.(string))
	if err != nil {
		c.reply(ctx, chatID, "Cancel failed: "+err.Error())
		return
	}
	c.reply(ctx, chatID, fmt.Sprintf("Cancelled %d task(s).", len(cancelled)))
}

func (c *Channel) reply(ctx context.Context, chatID, text string) {
	if err := c.DeliverText(ctx, chatID, text); err != nil {
		c.log.Error("telegram reply failed", "chat", chatID, "error", err)
	}
}

// DeliverText sends text to the chat, rate limited.
func (c *Channel) DeliverText(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", chatID, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(id), text))
	return err
}

// SendFile uploads a local file as a document.
func (c *Channel) SendFile(ctx context.Context, chatID, path, caption string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", chatID, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file for telegram: %w", err)
	}
	defer f.Close()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	doc := tu.Document(tu.ID(id), tu.File(tu.NameReader(f, filepath.Base(path))))
	doc.Caption = caption
	_, err = c.bot.SendDocument(ctx, doc)
	return err
}
