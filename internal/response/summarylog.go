package response

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/sentinel/internal/core"
)

const (
	summaryLogKey    = "sentinel:summaries"
	summaryLogKeep   = 10000
	summaryLogBuffer = 256
)

// RedisSummaryLog appends completed operation summaries to a capped
// redis list. The list is an operator artifact: recent traffic survives
// a restart and can be replayed or inspected out of band.
//
// Appends go through a buffered channel drained by a single writer
// goroutine. A full buffer drops the summary; the response path never
// waits on redis.
type RedisSummaryLog struct {
	client   *redis.Client
	ch       chan core.OperationSummary
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *log.Logger
}

// NewRedisSummaryLog connects, verifies the backend and starts the
// writer.
func NewRedisSummaryLog(ctx context.Context, addr, password string, db int) (*RedisSummaryLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("summary log redis ping: %w", err)
	}

	l := &RedisSummaryLog{
		client: client,
		ch:     make(chan core.OperationSummary, summaryLogBuffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.New(log.Writer(), "[SUMMARYLOG] ", log.LstdFlags),
	}
	go l.run()
	return l, nil
}

// Append queues one summary for persistence. Never blocks.
func (l *RedisSummaryLog) Append(s core.OperationSummary) {
	select {
	case l.ch <- s:
	default:
	}
}

// Stop drains the buffer, stops the writer and closes the connection.
func (l *RedisSummaryLog) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		<-l.doneCh
		l.client.Close()
	})
}

func (l *RedisSummaryLog) run() {
	defer close(l.doneCh)
	for {
		select {
		case s := <-l.ch:
			l.write(s)
		case <-l.stopCh:
			for {
				select {
				case s := <-l.ch:
					l.write(s)
				default:
					return
				}
			}
		}
	}
}

func (l *RedisSummaryLog) write(s core.OperationSummary) {
	blob, err := json.Marshal(s)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := l.client.Pipeline()
	pipe.RPush(ctx, summaryLogKey, blob)
	pipe.LTrim(ctx, summaryLogKey, -summaryLogKeep, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Printf("append failed: %v", err)
	}
}
