package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/suPer8Hu/chatmate/internal/config"
	"github.com/suPer8Hu/chatmate/internal/db"
	"github.com/suPer8Hu/chatmate/internal/events"
	"github.com/suPer8Hu/chatmate/internal/httpapi"
	"github.com/suPer8Hu/chatmate/internal/httpapi/handlers"
	"github.com/suPer8Hu/chatmate/internal/logging"
	"github.com/suPer8Hu/chatmate/internal/match"
	"github.com/suPer8Hu/chatmate/internal/realtime"
	"github.com/suPer8Hu/chatmate/internal/session"
	"github.com/suPer8Hu/chatmate/internal/social"
	"github.com/suPer8Hu/chatmate/internal/store/rabbitmq"
	"github.com/suPer8Hu/chatmate/internal/store/redisstore"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	gdb := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err := db.Migrate(gdb); err != nil {
		log.WithError(err).Fatal("migrate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := realtime.NewHub(nil)

	// graphPub carries friend events, livePub carries match and session events.
	var graphPub, livePub events.Publisher = hub, hub
	switch cfg.NotifyBackend {
	case "redis", "rabbitmq":
		bus := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer bus.Close()
		if err := bus.Ping(ctx); err != nil {
			log.WithError(err).WithField("addr", cfg.RedisAddr).Fatal("redis ping")
		}
		go func() {
			err := bus.Subscribe(ctx, func(ctx context.Context, d events.Delivery) {
				_ = hub.Publish(ctx, d.UserID, d.Envelope)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("redis subscription stopped")
			}
		}()
		graphPub, livePub = bus, bus

		if cfg.NotifyBackend == "rabbitmq" {
			pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
			if err != nil {
				log.WithError(err).Fatal("rabbit publisher")
			}
			defer pub.Close()
			graphPub = pub
		}
	}

	svc := social.NewService(social.NewRepo(gdb), graphPub, cfg.StoreRetries)
	if n, err := svc.RecoverPendingDeletions(ctx); err != nil {
		log.WithError(err).Warn("startup recovery failed")
	} else if n > 0 {
		log.WithField("pairs", n).Info("finished interrupted friend removals")
	}

	coord := session.NewCoordinator(livePub, cfg.SessionRetention)
	queue := match.NewQueue(svc, coord, livePub, cfg.MatchMaxScan)

	h := handlers.NewHandler(cfg, svc, queue, coord, hub)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go queue.Run(ctx, cfg.MatchInterval)
	go coord.Run(ctx, cfg.SessionRetention/2)
	go recoverLoop(ctx, svc, cfg.RecoveryInterval)

	log.WithFields(log.Fields{
		"addr":    cfg.Addr,
		"db":      cfg.DBDriver,
		"backend": cfg.NotifyBackend,
	}).Info("server started")

	if err := runServer(ctx, srv); err != nil {
		log.WithError(err).Error("server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dropped := queue.Close(shutdownCtx)
	ended := coord.Shutdown(shutdownCtx)
	hub.Close()
	log.WithFields(log.Fields{"tickets": len(dropped), "sessions": ended}).Info("server shut down")
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// recoverLoop finishes friend removals interrupted by a crash or store outage.
func recoverLoop(ctx context.Context, svc *social.Service, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := svc.RecoverPendingDeletions(ctx)
			if err != nil {
				log.WithError(err).Warn("pending deletion recovery failed")
				continue
			}
			if n > 0 {
				log.WithField("pairs", n).Info("finished interrupted friend removals")
			}
		}
	}
}
