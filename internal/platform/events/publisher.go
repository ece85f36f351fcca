// Package events delivers domain events to external consumers after the
// originating transaction has committed. Delivery is asynchronous and at
// least once: a failed send is retried with exponential backoff and dropped
// with an error log once the retry budget is spent.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Sink sends one encoded event on a channel.
type Sink interface {
	Send(ctx context.Context, channel string, payload []byte) error
}

type PublisherOption func(*Publisher)

// WithMaxElapsed bounds the total time spent retrying one event.
func WithMaxElapsed(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.maxElapsed = d }
}

// WithSendTimeout bounds a single send attempt.
func WithSendTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.sendTimeout = d }
}

func WithInitialInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.initialInterval = d }
}

type Publisher struct {
	sink            Sink
	logger          zerolog.Logger
	maxElapsed      time.Duration
	sendTimeout     time.Duration
	initialInterval time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewPublisher(sink Sink, logger zerolog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		sink:            sink,
		logger:          logger,
		maxElapsed:      30 * time.Second,
		sendTimeout:     2 * time.Second,
		initialInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish encodes event and hands it to a background sender. It never blocks
// on the sink and never fails the caller.
func (p *Publisher) Publish(ctx context.Context, channel string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("channel", channel).Msg("encode event")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Warn().Str("channel", channel).Msg("publisher closed, event dropped")
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	// The request context ends with the response; only its values are kept.
	sendCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		p.deliver(sendCtx, channel, payload)
	}()
}

func (p *Publisher) deliver(ctx context.Context, channel string, payload []byte) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.initialInterval
	policy.MaxElapsedTime = p.maxElapsed

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
		defer cancel()
		return p.sink.Send(sendCtx, channel, payload)
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		p.logger.Warn().Err(err).Str("channel", channel).Dur("retry_in", next).Msg("event send failed")
	})
	if err != nil {
		p.logger.Error().Err(err).Str("channel", channel).Int("attempts", attempts).Msg("event dropped")
		return
	}
	p.logger.Debug().Str("channel", channel).Int("attempts", attempts).Msg("event published")
}

// Close stops accepting events and waits for in-flight deliveries until ctx ends.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes events to the log. Used when no broker is configured.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Send(_ context.Context, channel string, payload []byte) error {
	s.Logger.Info().Str("channel", channel).RawJSON("event", payload).Msg("event")
	return nil
}

// Recorder keeps every published event in memory, keyed by channel.
type Recorder struct {
	mu     sync.Mutex
	events map[string][][]byte
}

func NewRecorder() *Recorder {
	return &Recorder{events: make(map[string][][]byte)}
}

func (r *Recorder) Send(_ context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[channel] = append(r.events[channel], append([]byte(nil), payload...))
	return nil
}

func (r *Recorder) Events(channel string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.events[channel]...)
}
