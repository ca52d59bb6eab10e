package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitenvats16/jasper/internal/worker/domain"
	"github.com/hitenvats16/jasper/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errConnectionLost = errors.New("broker connection lost")

// acker is the slice of *amqp.Channel the engine uses to settle deliveries.
type acker interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
}

// Config holds engine configuration
type Config struct {
	Logger       *slog.Logger
	RabbitClient *rabbitmq.Client
	Pool         *Pool
	Resolver     *Resolver
	Prefetch     int
	DrainTimeout time.Duration
}

// Engine is the queue connector: it owns the single broker channel, enforces
// prefetch, dispatches parsed messages to the pool, and settles every
// delivery with exactly one ack or nack. All channel operations happen on
// the control goroutine running Run: the amqp channel is not safe for use
// from worker goroutines.
type Engine struct {
	logger       *slog.Logger
	rabbit       *rabbitmq.Client
	pool         *Pool
	resolver     *Resolver
	prefetch     int
	drainTimeout time.Duration
	consumerTag  string
	epoch        uint64
}

// NewEngine creates the engine. Prefetch defaults to the pool size so the
// broker never holds more work against this consumer than the pool can run.
func NewEngine(cfg *Config) *Engine {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = cfg.Pool.Size()
	}
	return &Engine{
		logger:       cfg.Logger,
		rabbit:       cfg.RabbitClient,
		pool:         cfg.Pool,
		resolver:     cfg.Resolver,
		prefetch:     prefetch,
		drainTimeout: cfg.DrainTimeout,
		consumerTag:  fmt.Sprintf("voice-worker-%s", uuid.New().String()[:8]),
	}
}

// Run consumes until ctx is canceled. Connection loss is survived with
// backoff-reconnect; tasks already dispatched keep running and their
// outcomes are persisted even while the broker is away.
func (e *Engine) Run(ctx context.Context) error {
	e.pool.Start(ctx)

	for {
		deliveries, err := e.setupConsumer()
		if err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}

		err = e.consumeLoop(ctx, deliveries)
		if err == nil {
			break // graceful stop
		}

		e.logger.Warn("Broker connection lost - in-flight jobs continue",
			slog.Uint64("epoch", e.epoch),
		)

		// Settle what finished while the link was down: persist outcomes,
		// drop the now-invalid delivery tags.
		e.drainPendingCompletions(ctx)

		if rerr := e.rabbit.Reconnect(ctx); rerr != nil {
			e.shutdown(ctx)
			return nil
		}
		e.epoch++
	}

	e.shutdown(ctx)
	return nil
}

// setupConsumer applies QoS and opens the delivery stream on the current
// channel.
func (e *Engine) setupConsumer() (<-chan amqp.Delivery, error) {
	channel := e.rabbit.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// prefetch_count caps unacknowledged deliveries per consumer; size 0 and
	// global false keep the limit per-consumer, not per-channel.
	if err := channel.Qos(e.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	e.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", e.prefetch),
	)

	deliveries, err := e.rabbit.Consume(e.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return deliveries, nil
}

// consumeLoop is the single control loop: it alternates between accepting
// deliveries and settling completions. Returning nil means ctx was
// canceled; errConnectionLost means the delivery stream closed under us.
func (e *Engine) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Consume loop stopped - context canceled")
			return nil

		case comp := <-e.pool.Completions():
			e.finalize(ctx, comp)

		case d, ok := <-deliveries:
			if !ok {
				return errConnectionLost
			}
			e.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery parses one message and submits it to the pool. Submission
// blocks while all slots are busy; prefetch keeps that wait short.
func (e *Engine) handleDelivery(ctx context.Context, d amqp.Delivery) {
	msg, err := parseDelivery(d)
	if err != nil {
		e.logger.Error("Rejecting malformed message",
			slog.String("error", err.Error()),
			slog.String("body", string(d.Body)),
		)
		// Poison message: not retryable, no job lookup possible.
		if nackErr := d.Nack(false, false); nackErr != nil {
			e.logger.Error("Failed to NACK malformed message",
				slog.Any("error", nackErr),
			)
		}
		return
	}
	msg.ConnEpoch = e.epoch

	if err := e.pool.Submit(ctx, msg); err != nil {
		e.logger.Warn("Dispatch aborted - requeueing message",
			slog.String("job_id", msg.JobID),
			slog.Any("error", err),
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			e.logger.Error("Failed to NACK message on aborted dispatch",
				slog.Any("error", nackErr),
			)
		}
		return
	}

	e.logger.Debug("Job dispatched to worker pool",
		slog.String("job_id", msg.JobID),
		slog.Uint64("delivery_tag", msg.DeliveryTag),
	)
}

// finalize persists the outcome and settles the delivery. Tags from an
// earlier connection epoch are dropped after persistence: the broker has
// already requeued those deliveries and redelivery short-circuits on the
// terminal job status.
func (e *Engine) finalize(ctx context.Context, comp Completion) {
	// Outcomes must reach the database even when ctx is the already-canceled
	// shutdown context; otherwise nothing durable precedes the nack.
	decision := e.resolver.Resolve(context.WithoutCancel(ctx), comp)

	if comp.Msg.ConnEpoch != e.epoch || !e.rabbit.IsConnected() {
		e.logger.Warn("Dropping stale delivery tag - broker will redeliver",
			slog.String("job_id", comp.Msg.JobID),
			slog.Uint64("delivery_tag", comp.Msg.DeliveryTag),
		)
		return
	}

	e.applyDecision(e.rabbit.GetChannel(), comp, decision)
}

func (e *Engine) applyDecision(ch acker, comp Completion, decision Decision) {
	var err error
	if decision.Ack {
		err = ch.Ack(comp.Msg.DeliveryTag, false)
	} else {
		err = ch.Nack(comp.Msg.DeliveryTag, false, decision.Requeue)
	}

	if err != nil {
		e.logger.Error("Failed to settle delivery",
			slog.String("job_id", comp.Msg.JobID),
			slog.Bool("ack", decision.Ack),
			slog.Any("error", err),
		)
		return
	}

	e.logger.Info("Delivery settled",
		slog.String("job_id", comp.Msg.JobID),
		slog.Bool("ack", decision.Ack),
		slog.Bool("requeue", decision.Requeue),
	)
}

// drainPendingCompletions resolves whatever the pool has already finished
// without touching the dead channel.
func (e *Engine) drainPendingCompletions(ctx context.Context) {
	for {
		select {
		case comp := <-e.pool.Completions():
			e.finalize(ctx, comp)
		default:
			return
		}
	}
}

// shutdown drains the pool within the configured timeout while continuing
// to settle completions, then stops.
func (e *Engine) shutdown(ctx context.Context) {
	e.logger.Info("Engine shutting down",
		slog.Duration("drain_timeout", e.drainTimeout),
	)

	done := make(chan struct{})
	go func() {
		e.pool.Shutdown(e.drainTimeout)
		close(done)
	}()

	for {
		select {
		case comp := <-e.pool.Completions():
			e.finalize(ctx, comp)
		case <-done:
			e.drainPendingCompletions(ctx)
			e.logger.Info("Engine stopped")
			return
		}
	}
}

// parseDelivery validates the message body and extracts the retry count the
// broker tracks for quorum queues.
func parseDelivery(d amqp.Delivery) (*domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, fmt.Errorf("invalid message JSON: %w", err)
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("job_id is not a valid UUID: %w", err)
	}

	msg.DeliveryTag = d.DeliveryTag
	msg.DeliveryCount = deliveryCount(d.Headers)
	return &msg, nil
}

// deliveryCount reads x-delivery-count, absent on first delivery.
func deliveryCount(headers amqp.Table) int {
	v, ok := headers[domain.HeaderDeliveryCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	default:
		return 0
	}
}
