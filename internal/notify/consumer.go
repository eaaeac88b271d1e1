// v0
// internal/notify/consumer.go
package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"hygienewatch/realtime/internal/circuitbreaker"
	"hygienewatch/realtime/internal/model"
)

// Sink receives the alert events derived from notifications.
type Sink interface {
	ApplyAlert(ctx context.Context, ev model.AlertEvent) error
}

// Outcome labels what happened to one message.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeUnrouted Outcome = "unrouted"
	OutcomeInvalid  Outcome = "invalid"
	OutcomeFailed   Outcome = "failed"
)

// Observer is told about every handled message.
type Observer interface {
	NotificationHandled(outcome Outcome)
}

// ConsumerConfig captures the relay topic settings.
type ConsumerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
	// Guard wraps fetches with a breaker and retries; nil fetches directly.
	Guard *circuitbreaker.Guard
}

type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

type messageCommitter interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer reads notifications from Kafka and hands routed ones to a Sink.
type Consumer struct {
	cfg       ConsumerConfig
	reader    io.Closer
	fetcher   messageFetcher
	committer messageCommitter
	sink      Sink
	obs       Observer
	log       *slog.Logger
	poll      time.Duration
}

// NewConsumer builds a Kafka reader for cfg, guarded when cfg.Guard is set.
// It returns ErrNoBrokers when cfg names no broker so callers can skip the
// relay.
func NewConsumer(cfg ConsumerConfig, sink Sink, obs Observer, log *slog.Logger) (*Consumer, error) {
	if log == nil {
		return nil, errors.New("logger must not be nil")
	}
	if sink == nil {
		return nil, errors.New("sink must not be nil")
	}
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("notification topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
	})

	var fetcher messageFetcher = reader
	if cfg.Guard != nil {
		fetcher = circuitbreaker.NewGuardedReader(reader, cfg.Guard)
		log.Info("notify_consumer_guarded", slog.Int("attempts", cfg.Guard.Policy().Attempts))
	}

	c := newConsumer(cfg, fetcher, reader, sink, obs, log)
	c.reader = reader
	return c, nil
}

func newConsumer(cfg ConsumerConfig, fetcher messageFetcher, committer messageCommitter, sink Sink, obs Observer, log *slog.Logger) *Consumer {
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Consumer{cfg: cfg, fetcher: fetcher, committer: committer, sink: sink, obs: obs, log: log, poll: poll}
}

// Close shuts down the underlying Kafka reader.
func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Run consumes until ctx ends or the reader is closed.
func (c *Consumer) Run(ctx context.Context) error {
	if c == nil {
		return errors.New("nil consumer")
	}
	c.log.Info("notify_consumer_started",
		slog.String("topic", c.cfg.Topic),
		slog.String("group", c.cfg.GroupID),
		slog.String("brokers", strings.Join(c.cfg.Brokers, ",")),
	)
	defer c.log.Info("notify_consumer_stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
		msg, err := c.fetcher.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			c.log.Error("notify_consumer_fetch_error", slog.Any("err", err))
			continue
		}

		outcome := c.handle(ctx, msg)
		if c.obs != nil {
			c.obs.NotificationHandled(outcome)
		}
		if outcome == OutcomeFailed && ctx.Err() != nil {
			return ctx.Err()
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, c.poll)
		if err := c.committer.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				c.log.Error("notify_consumer_commit_error", slog.Any("err", err))
			}
		}
		commitCancel()
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) Outcome {
	n, err := Decode(msg.Value)
	if err != nil {
		c.log.Warn("notification_decode_error", slog.Any("err", err), slog.Int64("offset", msg.Offset))
		return OutcomeInvalid
	}
	ev, ok := n.AlertEvent()
	if !ok {
		c.log.Info("notification_unrouted", slog.String("title", n.Title), slog.Int64("offset", msg.Offset))
		return OutcomeUnrouted
	}
	if err := c.sink.ApplyAlert(ctx, ev); err != nil {
		c.log.Error("notification_apply_failed", slog.Any("err", err), slog.String("location", ev.LocationID))
		return OutcomeFailed
	}
	c.log.Info("notification_applied",
		slog.String("location", ev.LocationID),
		slog.String("type", string(ev.Type)),
		slog.Int64("offset", msg.Offset),
	)
	return OutcomeApplied
}
