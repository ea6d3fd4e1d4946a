package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mirkobrombin/go-flashsale/v1/domain"
	fserrors "github.com/mirkobrombin/go-flashsale/v1/errors"
	"github.com/mirkobrombin/go-flashsale/v1/presets"
)

var (
	redisAddr    = flag.String("redis", "", "Redis address, empty for an embedded server")
	stock        = flag.Int("stock", 100, "Voucher stock")
	participants = flag.Int("u", 1000, "Number of distinct participants")
	requests     = flag.Int("n", 5000, "Total number of admission requests")
	concurrency  = flag.Int("c", 50, "Number of concurrent clients")
	rps          = flag.Float64("rps", 0, "Request rate limit, 0 for unlimited")
	serviceSide  = flag.Bool("service-enqueue", false, "Enqueue from the service instead of the admission script")
	wait         = flag.Duration("wait", 30*time.Second, "How long to wait for fulfillment to catch up")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("embedded redis: %w", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		log.Printf("Using embedded redis at %s", addr)
	}

	client := presets.NewRedisClient(presets.RedisOptions{Addr: addr})
	defer client.Close()
	s, err := presets.NewInMemoryStandalone(client, presets.Options{
		ServiceEnqueue: *serviceSide,
		Logger:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		return err
	}
	defer s.Close()

	const voucherID = 1
	now := time.Now()
	s.Orders.SetStock(voucherID, *stock)
	if err := s.Service.PublishVoucher(ctx, domain.Voucher{
		ID:        voucherID,
		Stock:     *stock,
		BeginTime: now.Add(-time.Minute),
		EndTime:   now.Add(time.Hour),
	}); err != nil {
		return fmt.Errorf("publish voucher: %w", err)
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	workerDone := make(chan error, 1)
	go func() { workerDone <- s.Queue.Run(workerCtx) }()

	limit := rate.Inf
	if *rps > 0 {
		limit = rate.Limit(*rps)
	}
	limiter := rate.NewLimiter(limit, *concurrency)

	log.Printf("Starting benchmark: %d requests, %d participants, %d concurrency, stock %d", *requests, *participants, *concurrency, *stock)

	var admitted, outOfStock, duplicate, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	start := time.Now()
	for i := 0; i < *requests; i++ {
		participant := int64(i%*participants) + 1
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			_, err := s.Service.RequestAdmission(gctx, voucherID, participant)
			switch {
			case err == nil:
				atomic.AddInt64(&admitted, 1)
			case errors.Is(err, fserrors.ErrOutOfStock):
				atomic.AddInt64(&outOfStock, 1)
			case errors.Is(err, fserrors.ErrAlreadyOrdered):
				atomic.AddInt64(&duplicate, 1)
			default:
				atomic.AddInt64(&failed, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	log.Printf("Finished in %v (%.2f req/s)", elapsed, float64(*requests)/elapsed.Seconds())
	log.Printf("Admitted: %d, out of stock: %d, already ordered: %d, errors: %d", admitted, outOfStock, duplicate, failed)

	deadline := time.Now().Add(*wait)
	for s.Orders.Count() < int(admitted) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	stopWorker()
	if err := <-workerDone; err != nil {
		return fmt.Errorf("fulfillment: %w", err)
	}

	remaining, err := s.Gate.Remaining(ctx, voucherID)
	if err != nil {
		return err
	}
	log.Printf("Persisted: %d, remaining stock: %d, catalog stock: %d", s.Orders.Count(), remaining, s.Orders.Stock(voucherID))

	if admitted > int64(*stock) {
		return fmt.Errorf("oversold: admitted %d of %d", admitted, *stock)
	}
	if admitted+remaining != int64(*stock) {
		return fmt.Errorf("stock mismatch: admitted %d + remaining %d != %d", admitted, remaining, *stock)
	}
	if s.Orders.Count() != int(admitted) {
		return fmt.Errorf("fulfillment lagging: persisted %d of %d", s.Orders.Count(), admitted)
	}
	return nil
}
