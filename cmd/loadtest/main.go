// Command loadtest drives labelled traffic shapes at a running sentinel
// server: paced human browsing, a metronomic scraper sweep, a websocket
// handshake storm and honeypot probing. Use it to watch detections,
// aberrations and clusters form on /debug/stats and /metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const browserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Stats counts outcomes per scenario.
type Stats struct {
	Requests   uint64
	Allowed    uint64
	Blocked    uint64
	Challenged uint64
	Errors     uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *Stats) record(status int, latency time.Duration, err error) {
	atomic.AddUint64(&s.Requests, 1)
	if err != nil {
		atomic.AddUint64(&s.Errors, 1)
		return
	}
	switch {
	case status == http.StatusForbidden:
		atomic.AddUint64(&s.Blocked, 1)
	case status == http.StatusTooManyRequests:
		atomic.AddUint64(&s.Challenged, 1)
	default:
		atomic.AddUint64(&s.Allowed, 1)
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, latency)
	s.mu.Unlock()
}

type client struct {
	base  string
	http  *http.Client
	stats *Stats
}

func (c *client) get(ctx context.Context, path string, headers map[string]string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		c.stats.record(0, 0, err)
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			c.stats.record(0, latency, err)
		}
		return
	}
	resp.Body.Close()
	c.stats.record(resp.StatusCode, latency, nil)
}

func browserHeaders() map[string]string {
	return map[string]string{
		"User-Agent":      browserAgent,
		"Accept":          "text/html,application/xhtml+xml",
		"Accept-Language": "en-US,en;q=0.9",
		"Accept-Encoding": "gzip, deflate, br",
		"Cookie":          "session=loadtest",
	}
}

// humanLoop browses the catalog with jittered think time.
func humanLoop(ctx context.Context, c *client, workerID int) {
	r := rand.New(rand.NewSource(int64(workerID)))
	pages := []string{"/", "/products", "/products/p-100", "/products/p-101"}
	for ctx.Err() == nil {
		c.get(ctx, pages[r.Intn(len(pages))], browserHeaders())
		select {
		case <-time.After(800*time.Millisecond + time.Duration(r.Intn(1700))*time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

// scraperLoop sweeps distinct product paths on a near-perfect metronome,
// the shape the aberration scorer is tuned to catch.
func scraperLoop(ctx context.Context, c *client, workerID int) {
	headers := map[string]string{"User-Agent": "python-requests/2.28.1"}
	interval := 2300 * time.Millisecond
	for i := 0; ctx.Err() == nil; i++ {
		c.get(ctx, fmt.Sprintf("/products/p-%d", 100+i%50), headers)
		if interval == 2300*time.Millisecond {
			interval = 2500 * time.Millisecond
		} else {
			interval = 2300 * time.Millisecond
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

// honeypotLoop probes paths no legitimate client requests.
func honeypotLoop(ctx context.Context, c *client, workerID int) {
	headers := map[string]string{"User-Agent": "python-requests/2.28.1"}
	traps := []string{"/.git/config", "/.env", "/wp-admin/setup-config.php", "/backup.sql"}
	for i := 0; ctx.Err() == nil; i++ {
		c.get(ctx, traps[i%len(traps)], headers)
		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// stormLoop hammers the upgrade path with websocket handshakes.
func stormLoop(ctx context.Context, c *client, workerID int) {
	wsBase := strings.Replace(c.base, "http", "ws", 1)
	header := http.Header{}
	header.Set("User-Agent", browserAgent)

	for ctx.Err() == nil {
		start := time.Now()
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsBase+"/stream", header)
		latency := time.Since(start)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		if conn != nil {
			conn.Close()
			err = nil
		}
		if ctx.Err() == nil {
			c.stats.record(status, latency, err)
		}
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	target := flag.String("target", "http://localhost:8080", "base URL of the sentinel server")
	duration := flag.Duration("duration", 60*time.Second, "how long to run")
	workers := flag.Int("workers", 2, "workers per scenario")
	scenario := flag.String("scenario", "all", "human, scraper, honeypot, storm or all")
	report := flag.Duration("report", 5*time.Second, "progress report interval")
	flag.Parse()

	scenarios := map[string]func(context.Context, *client, int){
		"human":    humanLoop,
		"scraper":  scraperLoop,
		"honeypot": honeypotLoop,
		"storm":    stormLoop,
	}
	selected := map[string]func(context.Context, *client, int){}
	if *scenario == "all" {
		selected = scenarios
	} else if fn, ok := scenarios[*scenario]; ok {
		selected[*scenario] = fn
	} else {
		slog.Error("unknown scenario", "scenario", *scenario)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	stats := map[string]*Stats{}
	var wg sync.WaitGroup
	for name, fn := range selected {
		s := &Stats{}
		stats[name] = s
		c := &client{
			base:  strings.TrimRight(*target, "/"),
			http:  &http.Client{Timeout: 10 * time.Second},
			stats: s,
		}
		for i := 0; i < *workers; i++ {
			wg.Add(1)
			go func(fn func(context.Context, *client, int), id int) {
				defer wg.Done()
				fn(ctx, c, id)
			}(fn, i)
		}
	}

	slog.Info("load test started", "target", *target, "duration", *duration, "workers", *workers)
	go func() {
		ticker := time.NewTicker(*report)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for name, s := range stats {
					slog.Info("progress",
						"scenario", name,
						"requests", atomic.LoadUint64(&s.Requests),
						"allowed", atomic.LoadUint64(&s.Allowed),
						"blocked", atomic.LoadUint64(&s.Blocked),
						"challenged", atomic.LoadUint64(&s.Challenged),
						"errors", atomic.LoadUint64(&s.Errors),
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	printResults(stats)
}

func printResults(stats map[string]*Stats) {
	fmt.Println(strings.Repeat("=", 72))
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(strings.Repeat("=", 72))
	for name, s := range stats {
		fmt.Printf("%-10s requests=%-6d allowed=%-6d blocked=%-6d challenged=%-6d errors=%-6d p95=%v\n",
			name,
			atomic.LoadUint64(&s.Requests),
			atomic.LoadUint64(&s.Allowed),
			atomic.LoadUint64(&s.Blocked),
			atomic.LoadUint64(&s.Challenged),
			atomic.LoadUint64(&s.Errors),
			percentile(s, 95),
		)
	}
	fmt.Println(strings.Repeat("=", 72))
}

func percentile(s *Stats, p int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(s.latencies))
	copy(sorted, s.latencies)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
