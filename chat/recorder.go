package chat

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/tmilink/db"
	"github.com/onnwee/tmilink/telemetry"
)

// RecordFunc persists one chat message.
type RecordFunc func(ctx context.Context, m db.ChatMessage) error

// DBRecorder returns a RecordFunc that inserts into the chat_messages table.
func DBRecorder(dbx *sql.DB) RecordFunc {
	return func(ctx context.Context, m db.ChatMessage) error {
		return db.InsertChatMessage(ctx, dbx, m)
	}
}

const recorderBuffer = 1024

// StartRecorder persists every PRIVMSG the manager receives until ctx is done
// or the manager closes. The returned channel is closed when recording stops.
func StartRecorder(ctx context.Context, m *Manager, record RecordFunc) <-chan struct{} {
	msgs, unsubscribe := m.Messages(recorderBuffer)
	log := m.cfg.Logger.With(slog.String("component", "chat_recorder"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg.Command.Command != "PRIVMSG" {
					continue
				}
				pm, ok := msg.Typed().(*twitch.PrivateMessage)
				if !ok {
					continue
				}
				if err := record(ctx, RecordedMessage(pm, msg.ReceivedAt)); err != nil {
					telemetry.IncChatRecordFailure()
					log.Error("failed to insert chat message", slog.Any("err", err), slog.String("channel", pm.Channel))
					continue
				}
				telemetry.IncChatRecorded()
			}
		}
	}()
	return done
}

// RecordedMessage flattens a typed PRIVMSG into its stored row.
func RecordedMessage(pm *twitch.PrivateMessage, receivedAt time.Time) db.ChatMessage {
	badges := make([]string, 0, len(pm.User.Badges))
	for k, v := range pm.User.Badges {
		badges = append(badges, k+":"+strconv.Itoa(v))
	}
	sort.Strings(badges)
	emotes := make([]string, 0, len(pm.Emotes))
	for _, e := range pm.Emotes {
		emotes = append(emotes, e.Name)
	}
	return db.ChatMessage{
		MessageID:       pm.ID,
		Channel:         NormalizeChannel(pm.Channel),
		UserID:          pm.User.ID,
		Username:        pm.User.Name,
		Message:         pm.Message,
		Badges:          strings.Join(badges, ","),
		Emotes:          strings.Join(emotes, ","),
		Color:           pm.User.Color,
		ReplyToID:       pm.Tags["reply-parent-msg-id"],
		ReplyToUsername: pm.Tags["reply-parent-user-login"],
		ReplyToMessage:  pm.Tags["reply-parent-msg-body"],
		SentAt:          pm.Time,
		ReceivedAt:      receivedAt.UTC(),
	}
}
