package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
	"github.com/suPer8Hu/chatmate/internal/config"
	"github.com/suPer8Hu/chatmate/internal/events"
	"github.com/suPer8Hu/chatmate/internal/logging"
	"github.com/suPer8Hu/chatmate/internal/store/rabbitmq"
	"github.com/suPer8Hu/chatmate/internal/store/redisstore"
)

const (
	maxAttempts = 5
	retryDelay  = 2 * time.Second
)

// The worker moves friend graph events from the durable queue onto the redis
// bus, where every server node picks up the ones for its connected users.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	bus := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer bus.Close()

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, concurrency)
	if err != nil {
		log.WithError(err).Fatal("rabbit consumer")
	}
	defer consumer.Close()

	msgs, err := consumer.Deliveries()
	if err != nil {
		log.WithError(err).Fatal("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bus.Ping(ctx); err != nil {
		log.WithError(err).WithField("addr", cfg.RedisAddr).Fatal("redis ping")
	}

	log.WithFields(log.Fields{
		"queue":       cfg.RabbitQueue,
		"concurrency": concurrency,
	}).Info("worker started")

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handle(ctx, workerID, consumer, bus, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func handle(ctx context.Context, workerID int, consumer *rabbitmq.Consumer, pub events.Publisher, d amqp.Delivery) {
	entry := log.WithField("worker", workerID)

	m, err := rabbitmq.Decode(d.Body)
	if err != nil {
		entry.WithError(err).Warn("bad message")
		_ = d.Nack(false, false)
		return
	}
	entry = entry.WithFields(log.Fields{"user_id": m.UserID, "type": m.Envelope.Type})

	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = pub.Publish(pctx, m.UserID, m.Envelope)
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// shutting down; let the broker redeliver
			_ = d.Nack(false, true)
			return
		}
		entry.WithError(err).WithFields(log.Fields{
			"attempt": rabbitmq.Attempt(d.Headers) + 1,
			"cost":    time.Since(start),
		}).Warn("forward failed")
		if rerr := consumer.Retry(ctx, d, maxAttempts, retryDelay); rerr != nil {
			entry.WithError(rerr).Error("retry failed")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		entry.WithError(err).Warn("ack failed")
	}
}
