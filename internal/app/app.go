package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lukasbauer/parley/internal/assembler"
	"github.com/lukasbauer/parley/internal/dialogue"
	"github.com/lukasbauer/parley/internal/eventlog"
	"github.com/lukasbauer/parley/internal/generation"
	"github.com/lukasbauer/parley/internal/httpapi"
	"github.com/lukasbauer/parley/internal/llm"
	"github.com/lukasbauer/parley/internal/metrics"
	"github.com/lukasbauer/parley/internal/store"
	"github.com/lukasbauer/parley/internal/stt"
)

type App struct {
	cfg       Config
	logger    *log.Logger
	sessionID string

	db    *pgxpool.Pool
	redis *redis.Client

	metrics     *metrics.Metrics
	eventLog    *eventlog.Logger
	dialogue    *dialogue.Aggregator
	coordinator *generation.Coordinator
	feed        *httpapi.Feed
	audio       *audioFanout
	conns       *httpapi.ConnRegistry
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if len(cfg.Languages) == 0 {
		return nil, errors.New("LANGUAGES must name at least one language")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := &App{
		cfg:       cfg,
		logger:    logger,
		sessionID: cfg.DialogueSession,
		metrics:   metrics.New("parley"),
		conns:     httpapi.NewConnRegistry(),
	}
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}

	if cfg.DatabaseURL != "" {
		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
	}

	a.eventLog = eventlog.New(a.db)
	if err := a.eventLog.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("event log schema: %w", err)
	}

	dialogueStore, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.feed = httpapi.NewFeed(logger, a.metrics)
	a.audio = newAudioFanout(logger, a.metrics)

	a.dialogue = dialogue.NewAggregator(dialogueStore, logger,
		dialogue.WithObserver(a.feed.PublishLine),
		dialogue.WithMetrics(a.metrics),
		dialogue.WithErrorReporter(a.reportSnapshotError),
	)
	if err := a.dialogue.Load(ctx); err != nil {
		// A corrupt or unreachable snapshot must not keep the session from starting.
		captureError(err, "dialogue")
	}

	a.coordinator = generation.NewCoordinator(generation.CoordinatorConfig{
		Debounce:    cfg.Debounce,
		IdleTimeout: cfg.GenerationIdle,
		Speaker:     cfg.GeneratedSpeaker,
		SessionID:   a.sessionID,
	}, a.dialogue, a.llmClient(), logger,
		generation.WithWordSink(a.feed.PublishWords),
		generation.WithCycleHook(a.onCycle),
		generation.WithMetrics(a.metrics),
		generation.WithEventLog(a.eventLog),
	)

	a.eventLog.LogAsync(a.sessionID, eventlog.EventSessionStarted, map[string]any{
		"languages": cfg.Languages,
		"store":     cfg.DialogueStore,
		"lines":     a.dialogue.Len(),
	})
	logger.Printf("app: session %s, languages %v, %d lines restored", a.sessionID, cfg.Languages, a.dialogue.Len())

	return a, nil
}

// openStore selects the dialogue persistence backend.
func (a *App) openStore(ctx context.Context) (dialogue.Store, error) {
	switch a.cfg.DialogueStore {
	case "", "file":
		a.logger.Printf("app: dialogue file %s", a.cfg.DialogueFile)
		return store.NewFile(a.cfg.DialogueFile), nil

	case "postgres":
		if a.db == nil {
			return nil, errors.New("DATABASE_URL is required for DIALOGUE_STORE=postgres")
		}
		s := store.NewPostgres(a.db, a.sessionID)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("dialogue schema: %w", err)
		}
		return s, nil

	case "redis":
		if a.cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required for DIALOGUE_STORE=redis")
		}
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return store.NewRedis(a.redis, a.sessionID), nil

	default:
		return nil, fmt.Errorf("unknown DIALOGUE_STORE %q", a.cfg.DialogueStore)
	}
}

func (a *App) llmClient() llm.Client {
	if a.cfg.OpenAIAPIKey == "" {
		a.logger.Printf("app: OPENAI_API_KEY is not set, generation calls will fail")
	}
	systemPrompt := a.cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = llm.GenerateSystemPrompt(a.cfg.GeneratedSpeaker, a.cfg.Languages)
	}
	return llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:       a.cfg.OpenAIAPIKey,
		Model:        a.cfg.OpenAIModel,
		SystemPrompt: systemPrompt,
		Temperature:  a.cfg.OpenAITemperature,
	})
}

func (a *App) onCycle(res generation.CycleResult) {
	a.feed.PublishCycle(res)

	switch res.Outcome {
	case generation.Completed:
		if a.cfg.LogDialogueOnReply {
			a.logger.Printf("app: dialogue after cycle %d:\n%s", res.Epoch, a.dialogue.SnapshotText())
		}
	case generation.Failed:
		if res.Err != nil {
			captureError(res.Err, "generation")
		}
	}
}

func (a *App) reportSnapshotError(err error) {
	captureError(err, "dialogue")
	a.eventLog.LogAsync(a.sessionID, eventlog.EventSnapshotFailed, map[string]any{
		"error": err.Error(),
	})
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	return httpapi.NewRouter(httpapi.RouterConfig{
		JWTSecret: a.cfg.JWTSecret,
		Languages: a.cfg.Languages,
	}, a.logger, httpapi.Dependencies{
		Dialogue: a.dialogue,
		Audio:    a.audio,
		Feed:     a.feed,
		Metrics:  a.metrics.Handler(),
		Conns:    a.conns,
	})
}

// Conns returns the websocket connection registry used for draining.
func (a *App) Conns() *httpapi.ConnRegistry {
	return a.conns
}

// SessionID returns the dialogue session key.
func (a *App) SessionID() string {
	return a.sessionID
}

// Run opens one transcript stream per language and feeds each into its own
// assembler until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.DeepgramAPIKey == "" {
		a.logger.Printf("app: DEEPGRAM_API_KEY is not set, transcription disabled")
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	var clients []stt.Client
	defer func() {
		a.audio.clear()
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	for _, lang := range a.cfg.Languages {
		client, err := stt.NewDeepgramClient(gctx, stt.DeepgramConfig{
			APIKey:         a.cfg.DeepgramAPIKey,
			Language:       lang,
			Model:          a.cfg.DeepgramModel,
			SampleRate:     a.cfg.STTSampleRate,
			Encoding:       a.cfg.STTEncoding,
			Channels:       1,
			SmartFormat:    true,
			Diarize:        true,
			InterimResults: true,
			VADEvents:      true,
			Endpointing:    a.cfg.STTEndpointingMs,
			UtteranceEndMs: a.cfg.STTUtteranceEndMs,
		}, a.logger)
		if err != nil {
			return err
		}
		clients = append(clients, client)
		a.audio.add(lang, client)

		asm := assembler.New(assembler.Config{
			Language:       lang,
			SilenceTimeout: a.cfg.SilenceTimeout,
			OnInterim:      a.onInterim,
			SessionID:      a.sessionID,
		}, a.dialogue, a.coordinator, a.logger,
			assembler.WithMetrics(a.metrics),
			assembler.WithEventLog(a.eventLog),
		)

		g.Go(func() error {
			err := asm.Run(gctx, client.Events())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			a.watchErrors(gctx, lang, client.Errors())
			return nil
		})
		a.logger.Printf("app: transcript stream %s connected", lang)
	}

	return g.Wait()
}

func (a *App) onInterim(language, text string) {
	a.logger.Printf("interim[%s]: %s", language, text)
	a.feed.PublishInterim(language, text)
}

func (a *App) watchErrors(ctx context.Context, language string, errs <-chan error) {
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			a.logger.Printf("app: transcript stream %s error: %v", language, err)
			captureError(err, "stt")
		case <-ctx.Done():
			return
		}
	}
}

// Close stops generation and writes the final dialogue snapshot.
func (a *App) Close() error {
	a.conns.StartDraining()

	var err error
	if a.coordinator != nil {
		a.coordinator.Close()
	}
	if a.dialogue != nil {
		err = a.dialogue.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.eventLog.Log(ctx, a.sessionID, eventlog.EventSessionEnded, map[string]any{
			"lines": a.dialogue.Len(),
		})
		cancel()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	return err
}

func captureError(err error, component string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		sentry.CaptureException(err)
	})
}
