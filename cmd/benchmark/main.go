package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fraudledger/internal/domain"
	"github.com/punchamoorthee/fraudledger/internal/logger"
	"golang.org/x/sync/errgroup"
)

// Config holds the benchmark settings
var (
	targetURL     string
	concurrency   int
	duration      time.Duration
	workload      string
	totalAccounts int
	replayRatio   float64
)

// Outcome counters
var (
	totalRequests uint64
	posted        uint64 // 201
	blocked       uint64 // 200
	rejected      uint64 // 400/422 business errors
	conflicts     uint64 // 409
	serverErrors  uint64 // 5xx
	transport     uint64
	replays       uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&totalAccounts, "accounts", 1000, "Number of seeded accounts (ACC1..ACCn)")
	flag.Float64Var(&replayRatio, "replay", 0.05, "Fraction of requests that reuse the previous idempotency key")
}

func main() {
	flag.Parse()
	log := logger.New(os.Getenv("ENVIRONMENT"), os.Getenv("LOG_LEVEL"))
	log.Info().Str("workload", workload).Int("workers", concurrency).Dur("duration", duration).Msg("Starting benchmark")

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error { return worker(ctx) })
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Benchmark aborted")
	}

	if err := printResults(time.Since(start)); err != nil {
		log.Error().Err(err).Msg("Unable to write results")
	}
}

func worker(ctx context.Context) error {
	client := &http.Client{Timeout: 5 * time.Second}
	var lastKey string

	for ctx.Err() == nil {
		from, to := generateAccounts()
		key := uuid.NewString()
		if lastKey != "" && rand.Float64() < replayRatio {
			key = lastKey
		}
		lastKey = key

		body, err := json.Marshal(domain.TransferRequest{
			FromAccount: from,
			ToAccount:   to,
			Amount:      "1.00",
			Currency:    "INR",
			Metadata:    map[string]string{"source": "benchmark"},
		})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+"/transfer", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&transport, 1)
			}
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		if resp.Header.Get("Idempotent-Replayed") == "true" {
			atomic.AddUint64(&replays, 1)
		}
		switch {
		case resp.StatusCode == http.StatusCreated:
			atomic.AddUint64(&posted, 1)
		case resp.StatusCode == http.StatusOK:
			atomic.AddUint64(&blocked, 1)
		case resp.StatusCode == http.StatusConflict:
			atomic.AddUint64(&conflicts, 1)
		case resp.StatusCode >= 500:
			atomic.AddUint64(&serverErrors, 1)
		default:
			atomic.AddUint64(&rejected, 1)
		}
		resp.Body.Close()
	}
	return nil
}

func generateAccounts() (string, string) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to ACC1 & ACC2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return "ACC1", "ACC2"
			}
			return "ACC2", "ACC1"
		}
	}

	// Uniform Random
	a := rand.Intn(totalAccounts) + 1
	b := rand.Intn(totalAccounts) + 1
	for a == b {
		b = rand.Intn(totalAccounts) + 1
	}
	return fmt.Sprintf("ACC%d", a), fmt.Sprintf("ACC%d", b)
}

func printResults(d time.Duration) error {
	total := atomic.LoadUint64(&totalRequests)
	var conflictRate float64
	if total > 0 {
		conflictRate = float64(atomic.LoadUint64(&conflicts)) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"posted":            atomic.LoadUint64(&posted),
		"blocked_or_replay": atomic.LoadUint64(&blocked),
		"replays":           atomic.LoadUint64(&replays),
		"rejected":          atomic.LoadUint64(&rejected),
		"conflicts":         atomic.LoadUint64(&conflicts),
		"conflict_rate_pct": conflictRate,
		"server_errors":     atomic.LoadUint64(&serverErrors),
		"transport_errors":  atomic.LoadUint64(&transport),
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}

	// Also save to file
	file, err := os.Create(fmt.Sprintf("results_%s.json", workload))
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewEncoder(file).Encode(results)
}
