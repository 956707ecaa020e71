// Command tmilink keeps a Twitch account connected to IRC chat and EventSub.
// It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres, runs migrations and restores the stored user token.
//   - Validates the token to learn the account, then opens the chat and EventSub
//     connections with automatic reconnection.
//   - Records chat and archives EventSub notifications when a database is configured.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics and admin routes.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/tmilink/chat"
	"github.com/onnwee/tmilink/config"
	"github.com/onnwee/tmilink/crypto"
	"github.com/onnwee/tmilink/db"
	"github.com/onnwee/tmilink/eventsub"
	"github.com/onnwee/tmilink/lifecycle"
	"github.com/onnwee/tmilink/oauth"
	"github.com/onnwee/tmilink/server"
	"github.com/onnwee/tmilink/telemetry"
	"github.com/onnwee/tmilink/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("tmilink", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	if err := cfg.ValidateEventSubReady(); err != nil {
		slog.Error("eventsub configuration invalid", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB (optional)
	var database *sql.DB
	if cfg.DBDsn != "" {
		database, err = db.Connect(cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		if cfg.EncryptionKey != "" {
			sealer, err := crypto.NewAESGCM(cfg.EncryptionKey, crypto.DefaultKeyID)
			if err != nil {
				slog.Error("encryption initialization failed", slog.Any("err", err), slog.String("component", "db_encryption"))
				os.Exit(1)
			}
			db.SetTokenSealer(sealer)
			slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
		} else {
			slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext", slog.String("component", "db_encryption"))
		}
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err), slog.String("component", "db_migrate"))
			os.Exit(1)
		}
	} else {
		slog.Info("DB_DSN not set; persistence disabled")
	}

	creds := oauth.NewCredentials(oauth.Config{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		AccessToken:  cfg.TwitchOAuthToken,
		RefreshToken: cfg.TwitchRefreshToken,
		DB:           database,
	})
	if err := creds.Load(ctx); err != nil {
		slog.Warn("stored token unavailable, using environment token", slog.Any("err", err))
	}
	if database != nil && creds.Token().RefreshToken != "" && cfg.TwitchClientSecret != "" {
		if err := creds.Save(ctx); err != nil {
			slog.Warn("failed to persist twitch token", slog.Any("err", err))
		}
		oauth.StartRefresher(ctx, database, oauth.DefaultProvider, 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (db.Token, error) {
			tok, err := creds.Exchange(rctx, refreshToken)
			if err == nil {
				creds.SetToken(tok)
			}
			return tok, err
		})
	}

	deps := server.Deps{DB: database}
	var wg sync.WaitGroup

	if cfg.ChatEnabled() || len(cfg.EventSubSubscriptions) > 0 {
		login, userID := identify(ctx, cfg, creds)

		if cfg.ChatEnabled() {
			cm := startChat(ctx, cfg, login, creds, database, &wg)
			deps.Chat = cm
		} else {
			slog.Info("chat disabled (TWITCH_LOGIN or TWITCH_OAUTH_TOKEN missing)")
		}

		if len(cfg.EventSubSubscriptions) > 0 {
			helix := &twitchapi.HelixClient{ClientID: cfg.TwitchClientID, Token: creds}
			broadcasterID := resolveBroadcaster(ctx, cfg, helix, userID)
			em := startEventSub(ctx, cfg, helix, creds, broadcasterID, userID, database, &wg)
			deps.EventSub = em
		} else {
			slog.Info("eventsub disabled (EVENTSUB_SUBSCRIPTIONS empty)")
		}
	} else {
		slog.Warn("no connection configured; set TWITCH_LOGIN and TWITCH_OAUTH_TOKEN or EVENTSUB_SUBSCRIPTIONS")
	}

	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, deps); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// identify validates the token and returns the account login and user id.
// On an invalid token it refreshes once. Failures fall back to TWITCH_LOGIN.
func identify(ctx context.Context, cfg *config.Config, creds *oauth.Credentials) (login, userID string) {
	login = cfg.TwitchLogin
	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	v, err := twitchapi.ValidateToken(vctx, http.DefaultClient, creds.AccessToken())
	if errors.Is(err, twitchapi.ErrInvalidToken) {
		if rerr := creds.Refresh(vctx); rerr != nil {
			slog.Warn("twitch token invalid and refresh failed", slog.Any("err", rerr))
			return login, ""
		}
		v, err = twitchapi.ValidateToken(vctx, http.DefaultClient, creds.AccessToken())
	}
	if err != nil {
		slog.Warn("twitch token validation failed", slog.Any("err", err))
		return login, ""
	}
	if login != "" && v.Login != login {
		slog.Warn("TWITCH_LOGIN does not match token owner", slog.String("configured", login), slog.String("token_login", v.Login))
	}
	if login == "" {
		login = v.Login
	}
	slog.Info("twitch token validated", slog.String("login", v.Login), slog.String("user_id", v.UserID), slog.Time("expires_at", v.ExpiresAt), slog.Any("scopes", v.Scopes))
	return login, v.UserID
}

// resolveBroadcaster returns TWITCH_BROADCASTER_ID, else the id of the first
// configured channel, else the token owner.
func resolveBroadcaster(ctx context.Context, cfg *config.Config, helix *twitchapi.HelixClient, userID string) string {
	if cfg.TwitchBroadcasterID != "" {
		return cfg.TwitchBroadcasterID
	}
	if len(cfg.TwitchChannels) > 0 {
		lctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		id, err := helix.GetUserID(lctx, chat.NormalizeChannel(cfg.TwitchChannels[0])[1:])
		if err == nil {
			return id
		}
		slog.Warn("broadcaster lookup failed, using token owner", slog.String("channel", cfg.TwitchChannels[0]), slog.Any("err", err))
	}
	return userID
}

func startChat(ctx context.Context, cfg *config.Config, login string, creds *oauth.Credentials, database *sql.DB, wg *sync.WaitGroup) *chat.Manager {
	cm := chat.NewManager(chat.Config{
		Addr:              cfg.IRCAddr,
		TLS:               cfg.IRCTLS,
		Login:             login,
		Credentials:       creds,
		Channels:          cfg.TwitchChannels,
		JoinInterval:      cfg.JoinInterval,
		Backoff:           cfg.Reconnect,
		KeepaliveInterval: cfg.KeepaliveInterval,
		StaleTimeout:      cfg.KeepaliveStaleTimeout,
		Debug:             cfg.Debug,
	})
	events, _ := cm.Events(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logEvents(ctx, "chat", events)
	}()

	if cfg.ChatRecord {
		if database != nil {
			chat.StartRecorder(ctx, cm, chat.DBRecorder(database))
		} else {
			slog.Warn("CHAT_RECORD set without DB_DSN; chat recording disabled")
		}
	}

	if err := cm.Connect(ctx); err != nil {
		slog.Warn("initial chat connect failed", slog.Any("err", err), slog.String("component", "chat"))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = cm.Close()
	}()
	return cm
}

func startEventSub(ctx context.Context, cfg *config.Config, helix *twitchapi.HelixClient, creds *oauth.Credentials, broadcasterID, userID string, database *sql.DB, wg *sync.WaitGroup) *eventsub.Manager {
	types, versions := cfg.SubscriptionTypes()
	condition := map[string]string{"broadcaster_user_id": broadcasterID}
	if userID != "" {
		condition["moderator_user_id"] = userID
		condition["user_id"] = userID
	}
	em := eventsub.NewManager(eventsub.Config{
		URL:              cfg.EventSubURL,
		KeepaliveTimeout: cfg.EventSubKeepalive,
		Subscriptions:    types,
		Versions:         versions,
		Condition:        condition,
		Subscriber:       helix,
		Refresher:        creds,
		Backoff:          cfg.Reconnect,
		Debug:            cfg.Debug,
	})
	events, _ := em.Events(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logEvents(ctx, "eventsub", events)
	}()

	if database != nil {
		notes, unsubscribe := em.Notifications(256)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsubscribe()
			archiveNotifications(ctx, database, notes)
		}()
	}

	if err := em.Connect(ctx); err != nil {
		slog.Warn("initial eventsub connect failed", slog.Any("err", err), slog.String("component", "eventsub"))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = em.Close()
	}()
	return em
}

// logEvents writes connection lifecycle events until ctx is done or the feed closes.
func logEvents(ctx context.Context, conn string, events <-chan lifecycle.Event) {
	log := slog.Default().With(slog.String("component", conn))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			attrs := []any{slog.String("event", ev.Kind.String()), slog.String("state", ev.State.String())}
			if ev.Err != nil {
				attrs = append(attrs, slog.Any("err", ev.Err))
			}
			if ev.Detail != "" {
				attrs = append(attrs, slog.String("detail", ev.Detail))
			}
			switch ev.Kind {
			case lifecycle.Reconnect:
				log.Info("reconnecting", append(attrs, slog.Int("attempt", ev.Attempt), slog.Duration("delay", ev.Delay))...)
			case lifecycle.MaxReconnect:
				log.Error("giving up after max reconnect attempts", attrs...)
			case lifecycle.Disconnect, lifecycle.AuthFailed, lifecycle.Revoked:
				log.Warn("connection event", attrs...)
			default:
				log.Info("connection event", attrs...)
			}
		}
	}
}

// archiveNotifications stores every EventSub notification in eventsub_events.
func archiveNotifications(ctx context.Context, database *sql.DB, notes <-chan eventsub.Notification) {
	log := slog.Default().With(slog.String("component", "eventsub_archive"))
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			inserted, err := db.InsertEventSubEvent(ctx, database, db.EventSubEvent{
				MessageID:      n.MessageID,
				Type:           n.Type,
				Version:        n.Version,
				SubscriptionID: n.Subscription.ID,
				Payload:        n.Event,
				Timestamp:      n.Timestamp,
			})
			if err != nil {
				log.Warn("archive notification failed", slog.String("message_id", n.MessageID), slog.Any("err", err))
				continue
			}
			if !inserted {
				log.Debug("notification already archived", slog.String("message_id", n.MessageID))
			}
		}
	}
}
