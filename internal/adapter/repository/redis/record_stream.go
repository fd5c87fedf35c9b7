package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/chialog/internal/adapter/metrics"
	"github.com/V4T54L/chialog/internal/domain"
)

const defaultReadBlock = 2 * time.Second

// RecordStream publishes ingested records to a Redis stream and reads them
// back through consumer groups. While Redis is unreachable, published
// batches go to the spool and are replayed once the connection recovers.
type RecordStream struct {
	client  *redis.Client
	stream  string
	spool   domain.WALRepository // optional
	metrics *metrics.IngestMetrics
	logger  *slog.Logger

	available atomic.Bool
	readBlock time.Duration
}

// NewRecordStream creates the stream adapter and pings Redis once.
// spool and m may be nil.
func NewRecordStream(ctx context.Context, client *redis.Client, stream string, spool domain.WALRepository, m *metrics.IngestMetrics, logger *slog.Logger) *RecordStream {
	s := &RecordStream{
		client:    client,
		stream:    stream,
		spool:     spool,
		metrics:   m,
		logger:    logger.With("component", "record_stream", "stream", stream),
		readBlock: defaultReadBlock,
	}
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("redis unavailable at startup, publishing to spool", "error", err)
		s.setAvailable(false)
	} else {
		s.setAvailable(true)
	}
	return s
}

// Available reports whether the last ping or publish reached Redis.
func (s *RecordStream) Available() bool {
	return s.available.Load()
}

func (s *RecordStream) setAvailable(ok bool) {
	s.available.Store(ok)
	if s.metrics == nil {
		return
	}
	if ok {
		s.metrics.WALActive.Set(0)
	} else {
		s.metrics.WALActive.Set(1)
	}
}

// Publish appends one stream entry per record in a single pipeline.
func (s *RecordStream) Publish(ctx context.Context, records []domain.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	if !s.available.Load() {
		return s.toSpool(ctx, records, nil)
	}

	err := s.xadd(ctx, records)
	if err == nil {
		return nil
	}
	if !isNetworkError(err) {
		return err
	}
	if s.available.CompareAndSwap(true, false) {
		s.logger.Error("redis connection lost during publish", "error", err)
		s.setAvailable(false)
	}
	return s.toSpool(ctx, records, err)
}

func (s *RecordStream) toSpool(ctx context.Context, records []domain.LogRecord, cause error) error {
	if s.spool == nil {
		if cause != nil {
			return fmt.Errorf("redis unavailable and no spool configured: %w", cause)
		}
		return errors.New("redis unavailable and no spool configured")
	}
	s.logger.Warn("redis unavailable, spooling batch", "count", len(records))
	return s.spool.Write(ctx, records)
}

func (s *RecordStream) xadd(ctx context.Context, records []domain.LogRecord) error {
	pipe := s.client.Pipeline()
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]interface{}{"payload": payload, "hostname": rec.Hostname},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("XADD to stream: %w", err)
	}
	return nil
}

// StartHealthCheck pings Redis every interval and replays the spool when the
// connection is (re)established. It blocks until ctx is done.
func (s *RecordStream) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if s.spool == nil {
		s.logger.Info("spool not configured, skipping health check")
		return
	}

	if s.available.Load() {
		if err := s.ReplaySpool(ctx); err != nil {
			s.logger.Error("failed to replay spool at startup", "error", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

func (s *RecordStream) checkHealth(ctx context.Context) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		if s.available.CompareAndSwap(true, false) {
			s.logger.Error("redis connection lost", "error", err)
			s.setAvailable(false)
		}
		return
	}
	if !s.available.Load() {
		s.logger.Info("redis connection recovered")
		if err := s.ReplaySpool(ctx); err != nil {
			s.logger.Error("failed to replay spool after recovery", "error", err)
			return
		}
		s.setAvailable(true)
	}
}

// ReplaySpool publishes every spooled batch and truncates the spool on success.
func (s *RecordStream) ReplaySpool(ctx context.Context) error {
	if err := s.spool.Replay(ctx, func(records []domain.LogRecord) error {
		return s.xadd(ctx, records)
	}); err != nil {
		return fmt.Errorf("spool replay failed: %w", err)
	}
	if err := s.spool.Truncate(ctx); err != nil {
		return fmt.Errorf("truncating spool after replay: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group, and the stream if needed.
func (s *RecordStream) EnsureGroup(ctx context.Context, group, start string) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, group, start).Err()
	if err != nil && !isBusyGroupError(err) {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

// ReadRecords reads up to count new records for consumer. It returns no
// records and no error when the read times out.
func (s *RecordStream) ReadRecords(ctx context.Context, group, consumer string, count int) ([]domain.StreamRecord, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.stream, ">"},
		Count:    int64(count),
		Block:    s.readBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("XREADGROUP from stream: %w", err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return s.decode(ctx, group, streams[0].Messages), nil
}

// decode turns stream entries into records. Entries that cannot be decoded
// are acknowledged here, otherwise they would stay pending for group forever.
func (s *RecordStream) decode(ctx context.Context, group string, msgs []redis.XMessage) []domain.StreamRecord {
	out := make([]domain.StreamRecord, 0, len(msgs))
	var bad []string
	for _, msg := range msgs {
		payload, ok := msg.Values["payload"].(string)
		if !ok {
			s.logger.Warn("invalid message format in stream, skipping", "message_id", msg.ID)
			bad = append(bad, msg.ID)
			continue
		}
		var rec domain.LogRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			s.logger.Warn("failed to decode record from stream, skipping", "message_id", msg.ID, "error", err)
			bad = append(bad, msg.ID)
			continue
		}
		out = append(out, domain.StreamRecord{MessageID: msg.ID, Record: rec})
	}
	if err := s.Acknowledge(ctx, group, bad...); err != nil {
		s.logger.Error("failed to acknowledge undecodable entries", "count", len(bad), "error", err)
	}
	return out
}

// Acknowledge marks messages as processed for group.
func (s *RecordStream) Acknowledge(ctx context.Context, group string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.stream, group, messageIDs...).Err(); err != nil {
		return fmt.Errorf("XACK messages: %w", err)
	}
	return nil
}

// Groups lists the consumer groups of the stream.
func (s *RecordStream) Groups(ctx context.Context) ([]domain.ConsumerGroupInfo, error) {
	groups, err := s.client.XInfoGroups(ctx, s.stream).Result()
	if err != nil {
		return nil, fmt.Errorf("reading group info for stream %s: %w", s.stream, err)
	}
	out := make([]domain.ConsumerGroupInfo, len(groups))
	for i, g := range groups {
		out[i] = domain.ConsumerGroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		}
	}
	return out, nil
}

// ClaimStale moves up to count entries that have been pending for at least
// minIdle to consumer and returns them. It lets a restarted consumer pick up
// records a crashed one never acknowledged.
func (s *RecordStream) ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]domain.StreamRecord, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claiming pending messages: %w", err)
	}
	return s.decode(ctx, group, msgs), nil
}

func isBusyGroupError(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
