// loggen writes synthetic rotated Chia debug logs for exercising chialog.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/V4T54L/chialog/internal/domain"
	"github.com/V4T54L/chialog/internal/parser"
)

type service struct {
	name, full string
}

var services = []service{
	{"full_node", "chia.full_node.full_node"},
	{"harvester", "chia.harvester.harvester"},
	{"farmer", "chia.farmer.farmer"},
	{"wallet", "chia.wallet.wallet_node"},
	{"daemon", "chia.daemon.server"},
}

var levels = []domain.Level{
	domain.LevelDebug, domain.LevelDebug, domain.LevelDebug,
	domain.LevelInfo, domain.LevelInfo, domain.LevelInfo,
	domain.LevelWarning, domain.LevelError,
}

func main() {
	dir := flag.String("dir", "./testdata/log", "Directory to write debug.log.N files into")
	files := flag.Int("files", 5, "Number of rotated files")
	lines := flag.Int("lines", 10000, "Lines per file")
	concurrency := flag.Int("c", 4, "Number of files written concurrently")
	rps := flag.Int("rps", 0, "Lines per second across all writers (0 = unlimited)")
	tracebacks := flag.Float64("tracebacks", 0.001, "Fraction of lines followed by a continuation line")
	flag.Parse()

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		log.Fatalf("creating %s: %v", *dir, err)
	}
	log.Printf("Writing %d files of %d lines to %s", *files, *lines, *dir)

	limit := rate.Inf
	if *rps > 0 {
		limit = rate.Limit(*rps)
	}
	limiter := rate.NewLimiter(limit, 100)

	// debug.log.1 is the newest rotation.
	now := time.Now().Truncate(time.Second)
	jobs := make(chan int)
	var wg sync.WaitGroup
	var written, failed atomic.Int64
	start := time.Now()

	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				end := now.Add(-time.Duration(n-1) * time.Hour)
				path := filepath.Join(*dir, fmt.Sprintf("debug.log.%d", n))
				count, err := writeFile(context.Background(), path, end, *lines, *tracebacks, limiter)
				written.Add(int64(count))
				if err != nil {
					failed.Add(1)
					log.Printf("%s: %v", path, err)
					continue
				}
				if err := os.Chtimes(path, end, end); err != nil {
					failed.Add(1)
					log.Printf("%s: %v", path, err)
				}
			}
		}()
	}
	for n := *files; n >= 1; n-- {
		jobs <- n
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	log.Printf("--- Done ---")
	log.Printf("Lines written: %d", written.Load())
	log.Printf("Failed files: %d", failed.Load())
	log.Printf("Rate: %.0f lines/s", float64(written.Load())/elapsed.Seconds())
}

// writeFile writes lines records spread over the hour before end.
func writeFile(ctx context.Context, path string, end time.Time, lines int, tracebacks float64, limiter *rate.Limiter) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	rng := rand.New(rand.NewSource(end.UnixNano()))
	step := time.Hour / time.Duration(lines+1)
	ts := end.Add(-time.Hour)

	written := 0
	for i := 0; i < lines; i++ {
		if err := limiter.Wait(ctx); err != nil {
			f.Close()
			return written, err
		}
		ts = ts.Add(step)
		svc := services[rng.Intn(len(services))]
		rec := domain.LogRecord{
			Timestamp:       ts,
			Level:           levels[rng.Intn(len(levels))],
			ServiceName:     svc.name,
			ServiceFullName: svc.full,
			Message:         message(rng),
		}
		fmt.Fprintln(w, parser.Format(rec))
		if rng.Float64() < tracebacks {
			fmt.Fprintln(w, "Traceback (most recent call last):")
		}
		written++
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return written, err
	}
	return written, f.Close()
}

func message(rng *rand.Rand) string {
	switch rng.Intn(4) {
	case 0:
		return fmt.Sprintf("%d plots were eligible for farming %s... Found 0 proofs. Time: 0.%05d s. Total %d plots",
			rng.Intn(5), uuid.NewString()[:10], rng.Intn(100000), 100+rng.Intn(200))
	case 1:
		return fmt.Sprintf("Added unfinished_block %s, not farmed by us", uuid.NewString())
	case 2:
		return fmt.Sprintf("Connection closed: %d.%d.%d.%d, node id: %s", rng.Intn(256), rng.Intn(256), rng.Intn(256), rng.Intn(256), uuid.NewString())
	default:
		return fmt.Sprintf("Updated peak to height %d, weight %d", 1_000_000+rng.Intn(100000), rng.Int63())
	}
}
