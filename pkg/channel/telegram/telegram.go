// Package telegram bridges Telegram updates into the media pipeline.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"voxgate/pkg/bus"
	"voxgate/pkg/channel"
	"voxgate/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second

const (
	stopCommand = "/stop"

	msgStopAcknowledged = "🛑 Query stopped."
	msgNothingRunning   = "Nothing is being processed."
	msgMediaOnly        = "Send a voice message or a video to get started."
)

// Adapter runs Telegram long polling and forwards media messages to the
// shared pipeline handler. Authorization decisions live in the pipeline so
// rejected senders still get an explanatory reply.
type Adapter struct {
	cfg config.TelegramConfig
	log *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg: cfg,
		log: log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in event metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and dispatches updates until ctx ends.
//
// Each media message is handled on its own goroutine so a /stop command can
// land while its chat's exchange is still in flight.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			a.dispatch(ctx, bot, handler, update)
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, bot *telego.Bot, handler channel.Handler, update telego.Update) {
	message := update.Message
	if message == nil {
		return
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	transport := &chatTransport{bot: bot, chatID: message.Chat.ID, log: a.log}

	if isStopCommand(message.Text) {
		a.handleStop(ctx, handler, transport, chatID)
		return
	}

	event, ok := mediaFrom(message)
	if !ok {
		if strings.TrimSpace(message.Text) != "" {
			if _, err := transport.Reply(ctx, msgMediaOnly); err != nil {
				a.log.Error("Failed to send usage hint", "error", err)
			}
		}
		return
	}

	a.log.Info("Received media message",
		"chat_id", chatID,
		"user_id", event.UserID,
		"kind", event.Kind,
		"declared_size", event.DeclaredSize,
		"caption", previewText(event.Caption),
	)

	go func() {
		if err := handler.HandleMedia(ctx, event, transport); err != nil {
			a.log.Error("Failed to process media message", "chat_id", chatID, "error", err)
		}
	}()
}

func (a *Adapter) handleStop(ctx context.Context, handler channel.Handler, transport *chatTransport, chatID string) {
	reply := msgNothingRunning
	if handler.Interrupt(chatID) {
		a.log.Info("Interrupted in-flight exchange", "chat_id", chatID)
		reply = msgStopAcknowledged
	}

	if _, err := transport.Reply(ctx, reply); err != nil {
		a.log.Error("Failed to acknowledge stop command", "chat_id", chatID, "error", err)
	}
}

// isStopCommand matches /stop and its bot-mention form (/stop@name).
func isStopCommand(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == stopCommand {
		return true
	}

	return strings.HasPrefix(trimmed, stopCommand+"@")
}

// mediaFrom extracts a pipeline media event from a Telegram message.
//
// Voice notes and audio files map to the audio path; videos and round video
// notes map to the video path. Everything else is not media.
func mediaFrom(message *telego.Message) (bus.MediaEvent, bool) {
	event := bus.MediaEvent{
		Channel:  channelName,
		UserID:   strconv.FormatInt(message.From.ID, 10),
		Username: message.From.Username,
		ChatID:   strconv.FormatInt(message.Chat.ID, 10),
		Caption:  strings.TrimSpace(message.Caption),
	}

	switch {
	case message.Voice != nil:
		event.Kind = bus.MediaKindAudio
		event.FileID = message.Voice.FileID
		event.MimeType = message.Voice.MimeType
		event.DeclaredSize = message.Voice.FileSize
		event.Duration = message.Voice.Duration

	case message.Audio != nil:
		event.Kind = bus.MediaKindAudio
		event.FileID = message.Audio.FileID
		event.FileName = message.Audio.FileName
		event.MimeType = message.Audio.MimeType
		event.DeclaredSize = message.Audio.FileSize
		event.Duration = message.Audio.Duration

	case message.Video != nil:
		event.Kind = bus.MediaKindVideo
		event.FileID = message.Video.FileID
		event.FileName = message.Video.FileName
		event.MimeType = message.Video.MimeType
		event.DeclaredSize = message.Video.FileSize
		event.Duration = message.Video.Duration

	case message.VideoNote != nil:
		event.Kind = bus.MediaKindVideo
		event.FileID = message.VideoNote.FileID
		event.DeclaredSize = int64(message.VideoNote.FileSize)
		event.Duration = message.VideoNote.Duration

	default:
		return bus.MediaEvent{}, false
	}

	return event, true
}

// chatTransport implements the pipeline transport contract for one chat.
type chatTransport struct {
	bot    *telego.Bot
	chatID int64
	log    *slog.Logger
}

func (t *chatTransport) Reply(ctx context.Context, text string) (bus.MessageRef, error) {
	message, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), text))
	if err != nil {
		return bus.MessageRef{}, fmt.Errorf("send telegram message: %w", err)
	}

	return bus.MessageRef{
		ChatID:    strconv.FormatInt(t.chatID, 10),
		MessageID: message.MessageID,
	}, nil
}

func (t *chatTransport) EditMessage(ctx context.Context, ref bus.MessageRef, text string) error {
	_, err := t.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(t.chatID),
		MessageID: ref.MessageID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("edit telegram message: %w", err)
	}

	return nil
}

func (t *chatTransport) DeleteMessage(ctx context.Context, ref bus.MessageRef) error {
	err := t.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(t.chatID),
		MessageID: ref.MessageID,
	})
	if err != nil {
		return fmt.Errorf("delete telegram message: %w", err)
	}

	return nil
}

func (t *chatTransport) FileURL(ctx context.Context, fileID string) (string, error) {
	file, err := t.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("resolve telegram file: %w", err)
	}

	return t.bot.FileDownloadURL(file.FilePath), nil
}

// StartTyping sends an initial typing action and refreshes it periodically
// until the returned stop function is called.
func (t *chatTransport) StartTyping(ctx context.Context) func() {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := t.bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(t.chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			t.log.Debug("Failed to send typing indicator", "chat_id", t.chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
