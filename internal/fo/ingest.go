package fo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// resubscribeDelay is the pause before re-subscribing after a receive error.
const resubscribeDelay = 5 * time.Second

// IngestConfig names the pub/sub channels the ingest loop reads.
type IngestConfig struct {
	OptionsChannel    string
	UnderlyingChannel string
}

// Ingest is the single subscriber that drives the aggregator. It reads the
// options and underlying channels, decodes each message, and dispatches it.
// Receive failures trigger a delayed re-subscribe; shutdown flushes all
// remaining buckets.
type Ingest struct {
	client *redis.Client
	agg    *Aggregator
	cfg    IngestConfig
	log    zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewIngest creates the ingest loop. Start must be called to begin reading.
func NewIngest(client *redis.Client, agg *Aggregator, cfg IngestConfig, log zerolog.Logger) *Ingest {
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingest{
		client:  client,
		agg:     agg,
		cfg:     cfg,
		log:     log.With().Str("component", "fo_ingest").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// Start launches the subscriber goroutine.
func (i *Ingest) Start() {
	go i.run()
}

// Stop cancels the subscriber, waits for it to exit, and flushes every
// remaining bucket.
func (i *Ingest) Stop() {
	i.cancel()
	<-i.stopped
}

func (i *Ingest) run() {
	defer close(i.stopped)
	defer i.agg.FlushAll()

	channels := []string{i.cfg.OptionsChannel, i.cfg.UnderlyingChannel}
	pubsub := i.client.Subscribe(i.ctx, channels...)
	defer func() { _ = pubsub.Close() }()

	i.log.Info().Strs("channels", channels).Msg("Tick ingest started")

	for {
		msg, err := pubsub.ReceiveMessage(i.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || i.ctx.Err() != nil {
				i.log.Info().Msg("Tick ingest stopping")
				return
			}

			i.log.Error().Err(err).Msg("Failed to receive tick message, re-subscribing")
			_ = pubsub.Close()

			select {
			case <-i.ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}

			pubsub = i.client.Subscribe(i.ctx, channels...)
			continue
		}

		i.handleMessage(msg.Channel, []byte(msg.Payload))
	}
}

// handleMessage decodes one pub/sub message and dispatches it to the
// aggregator. Malformed payloads are logged and skipped.
func (i *Ingest) handleMessage(channel string, payload []byte) {
	switch channel {
	case i.cfg.OptionsChannel:
		var tick OptionTick
		if err := json.Unmarshal(payload, &tick); err != nil {
			i.log.Debug().Err(err).Msg("Skipping malformed option tick")
			return
		}
		i.agg.HandleOption(&tick)

	case i.cfg.UnderlyingChannel:
		var tick UnderlyingTick
		if err := json.Unmarshal(payload, &tick); err != nil {
			i.log.Debug().Err(err).Msg("Skipping malformed underlying tick")
			return
		}
		i.agg.HandleUnderlying(&tick)

	default:
		i.log.Debug().Str("channel", channel).Msg("Ignoring message on unknown channel")
	}
}
