package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/lukasbauer/parley/internal/app"
	"github.com/lukasbauer/parley/internal/httpapi"
)

func main() {
	issue := flag.String("issue-token", "", "print a bearer token for this subject and exit")
	role := flag.String("role", "", `role of the issued token ("listener" cannot stream audio)`)
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime of the issued token")
	flag.Parse()

	cfg := app.LoadConfigFromEnv()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	if *issue != "" {
		if cfg.JWTSecret == "" {
			logger.Fatalf("JWT_SECRET is required to issue tokens")
		}
		token, expires, err := httpapi.IssueToken(cfg.JWTSecret, *issue, *role, *ttl)
		if err != nil {
			logger.Fatalf("issue token: %v", err)
		}
		fmt.Println(token)
		logger.Printf("token for %s expires %s", *issue, expires.Format(time.RFC3339))
		return
	}

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2, // 20% of requests for performance monitoring
			Environment:      cfg.Environment,
		})
		if err != nil {
			logger.Printf("sentry init failed: %v", err)
		} else {
			logger.Printf("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		logger.Fatalf("init app: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		// Close websockets first; Shutdown does not wait for hijacked connections.
		a.Conns().StartDraining()
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Conns().Wait(drainCtx); err != nil {
			logger.Printf("drain: %d connections still open", a.Conns().ActiveCount())
		}
		cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Printf("server: %v", err)
		sentry.CaptureException(err)
	}

	if err := a.Close(); err != nil {
		logger.Printf("close: %v", err)
	}
	logger.Printf("session %s closed", a.SessionID())
}
