// internal/telegram/adapter.go
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/remoteagent/internal/types"
)

// PlatformType identifies Telegram conversations.
const PlatformType = "telegram"

const maxTelegramMessage = 4096

// Dispatcher accepts inbound messages for processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg types.InboundMessage) error
}

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Adapter bridges Telegram chats to the dispatcher. A chat id is the
// conversation id.
type Adapter struct {
	bot        botAPI
	username   string
	dispatcher Dispatcher
	mode       types.StreamingMode
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New connects to the Bot API with token. mode defaults to stream.
func New(token string, mode types.StreamingMode, dispatcher Dispatcher, logger *slog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newAdapter(bot, bot.Self.UserName, mode, dispatcher, logger), nil
}

func newAdapter(bot botAPI, username string, mode types.StreamingMode, dispatcher Dispatcher, logger *slog.Logger) *Adapter {
	if mode == "" {
		mode = types.StreamingModeStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		bot:        bot,
		username:   username,
		dispatcher: dispatcher,
		mode:       mode,
		logger:     logger.With("platform", PlatformType),
	}
}

func (a *Adapter) PlatformType() string { return PlatformType }

func (a *Adapter) StreamingMode() types.StreamingMode { return a.mode }

// Start begins long-polling for updates in the background.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return fmt.Errorf("telegram adapter already started")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.poll(ctx, updates)
	return nil
}

// Stop ends polling and waits for the poll loop to exit.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *Adapter) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer close(a.done)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	conversationID := strconv.FormatInt(msg.Chat.ID, 10)
	in := types.InboundMessage{
		Platform:       PlatformType,
		ConversationID: conversationID,
		Text:           normalizeCommand(msg.Text, a.username),
	}
	if msg.From != nil {
		in.UserID = strconv.FormatInt(msg.From.ID, 10)
	}

	if err := a.dispatcher.Dispatch(ctx, in); err != nil {
		a.logger.Error("dispatch failed", "conversation_id", conversationID, "error", err)
		if serr := a.SendMessage(ctx, conversationID, "Sorry, I couldn't accept that message right now. Please try again."); serr != nil {
			a.logger.Error("send failed", "conversation_id", conversationID, "error", serr)
		}
	}
}

// normalizeCommand strips the "@botname" suffix Telegram adds to commands in
// group chats, e.g. "/status@my_bot" becomes "/status".
func normalizeCommand(text, username string) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	end := strings.IndexAny(text, " \t\n")
	if end < 0 {
		end = len(text)
	}
	head, rest := text[:end], text[end:]
	name, mention, ok := strings.Cut(head, "@")
	if !ok {
		return text
	}
	if username != "" && !strings.EqualFold(mention, username) {
		return text
	}
	return name + rest
}

// SendMessage sends text to the chat, split into Telegram-sized parts. Each
// part is tried as Markdown first and resent as plain text if Telegram
// rejects the markup.
func (a *Adapter) SendMessage(_ context.Context, conversationID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", conversationID, err)
	}
	for _, part := range splitMessage(text, maxTelegramMessage) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.bot.Send(msg); err != nil {
			a.logger.Debug("markdown send rejected, retrying as plain text", "conversation_id", conversationID, "error", err)
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				return fmt.Errorf("send telegram message: %w", err)
			}
		}
	}
	return nil
}

// splitMessage cuts text into parts of at most limit characters, preferring
// to break after a newline in the second half of a part.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
