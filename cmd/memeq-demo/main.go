// Command memeq-demo runs a producer and a consumer goroutine over a real
// file-backed queue, to exercise the whole stack (handshake, mapping,
// control plane, ring engine) against one concrete queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GoldsteinE/memequeue"
)

func main() {
	path := flag.String("path", "/dev/shm/memequeue.demo", "path to the shared queue file")
	queueSize := flag.Int("queue-size", 4096, "ring data size in bytes, rounded up to a page multiple")
	delay := flag.Duration("consumer-delay", 100*time.Millisecond, "delay the consumer sleeps between messages")
	flag.Parse()

	if err := run(*path, *queueSize, *delay); err != nil {
		fmt.Fprintf(os.Stderr, "memeq-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, queueSize int, delay time.Duration) error {
	config := zap.NewDevelopmentConfig()
	config.Level.SetLevel(zap.InfoLevel)
	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	opts := memequeue.Options{Logger: log}

	producer, err := memequeue.Open(path, queueSize, opts)
	if err != nil {
		return fmt.Errorf("open producer side: %w", err)
	}
	defer producer.Close()

	consumer, err := memequeue.Open(path, queueSize, opts)
	if err != nil {
		return fmt.Errorf("open consumer side: %w", err)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		idx := 0
		for ctx.Err() == nil {
			body := []byte(fmt.Sprintf("lol lmao #%d", idx))
			if err := producer.Send(func(w *memequeue.Writer) error {
				for len(body) > 0 {
					n, err := w.Write(body)
					if err != nil {
						return err
					}
					body = body[n:]
				}
				return nil
			}); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			idx++
		}
		return ctx.Err()
	})
	wg.Go(func() error {
		idx := 0
		for ctx.Err() == nil {
			if err := consumer.Recv(func(b []byte) error {
				log.Infow("got message", "index", idx, "body", string(b))
				return nil
			}); err != nil {
				return fmt.Errorf("recv: %w", err)
			}
			idx++
			time.Sleep(delay)
		}
		return ctx.Err()
	})

	if err := wg.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
