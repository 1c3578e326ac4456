package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/utils"
)

// WorkerConfig bounds one evaluation cycle.
type WorkerConfig struct {
	BatchSize   int           // alerts per priority per cycle
	Concurrency int           // simultaneous evaluations
	MinInterval time.Duration // floor between cycle starts, >= 10s
}

// Worker drives alert evaluation. Each cycle drains priorities in fixed order
// (critical, high, medium, low), evaluating each batch with bounded
// concurrency. Failures in one alert never affect another.
type Worker struct {
	repo      *Repository
	evaluator *Evaluator
	notifier  *Notifier
	cfg       WorkerConfig
	clock     func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	trigger chan struct{}
	stopped chan struct{}

	log zerolog.Logger
}

// NewWorker creates the evaluation worker. Start must be called to begin.
func NewWorker(repo *Repository, evaluator *Evaluator, notifier *Notifier, cfg WorkerConfig, log zerolog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.MinInterval < 10*time.Second {
		cfg.MinInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		repo:      repo,
		evaluator: evaluator,
		notifier:  notifier,
		cfg:       cfg,
		clock:     time.Now,
		ctx:       ctx,
		cancel:    cancel,
		trigger:   make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		log:       log.With().Str("component", "alert_worker").Logger(),
	}
}

// Start launches the worker loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (w *Worker) Stop() {
	w.cancel()
	<-w.stopped
}

// Trigger wakes the worker for an immediate cycle. Non-blocking.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	defer close(w.stopped)

	w.log.Info().
		Int("batch_size", w.cfg.BatchSize).
		Int("concurrency", w.cfg.Concurrency).
		Dur("min_interval", w.cfg.MinInterval).
		Msg("Alert worker started")

	for {
		start := w.clock()
		cycleErr := w.safeCycle()

		var sleep time.Duration
		if cycleErr != nil {
			w.log.Error().Err(cycleErr).Msg("Evaluation cycle failed, backing off")
			sleep = 2 * w.cfg.MinInterval
			if sleep > 60*time.Second {
				sleep = 60 * time.Second
			}
		} else {
			sleep = w.cfg.MinInterval - w.clock().Sub(start)
			if sleep < time.Second {
				sleep = time.Second
			}
		}

		select {
		case <-w.ctx.Done():
			w.log.Info().Msg("Alert worker stopping")
			return
		case <-w.trigger:
		case <-time.After(sleep):
		}
	}
}

// safeCycle converts a panicking cycle into an error so the loop survives.
func (w *Worker) safeCycle() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation cycle panicked: %v", r)
		}
	}()
	w.runCycle()
	return nil
}

// runCycle drains every priority once. A failing priority batch logs and
// falls through to the next priority.
func (w *Worker) runCycle() {
	timer := utils.NewTimer("alert_cycle", w.log)
	defer timer.Stop()

	for _, priority := range EvaluationOrder {
		if w.ctx.Err() != nil {
			return
		}

		due, err := w.repo.FetchDue(w.ctx, priority, w.cfg.BatchSize, w.clock().UTC().Unix())
		if err != nil {
			w.log.Error().Err(err).Str("priority", priority).Msg("Failed to fetch due alerts")
			continue
		}
		if len(due) == 0 {
			continue
		}

		w.log.Debug().Str("priority", priority).Int("count", len(due)).Msg("Evaluating batch")
		w.evaluateBatch(due)
	}
}

// evaluateBatch runs one priority's alerts with bounded concurrency.
func (w *Worker) evaluateBatch(batch []Alert) {
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	for i := range batch {
		alert := batch[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					w.log.Error().
						Str("alert_id", alert.AlertID).
						Interface("panic", r).
						Msg("Alert evaluation panicked")
				}
			}()
			w.evaluateOne(&alert)
		}()
	}
	wg.Wait()
}

// evaluateOne evaluates a single alert and applies the trigger policy chain:
// evaluate, stamp last_evaluated_at, cooldown gate, daily-cap gate, trigger.
func (w *Worker) evaluateOne(alert *Alert) {
	result := w.evaluator.Evaluate(w.ctx, alert.ConditionConfig)
	now := w.clock().UTC()

	// Written for every evaluation, matched or not.
	if err := w.repo.MarkEvaluated(w.ctx, alert.AlertID, now.Unix()); err != nil {
		w.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("Failed to stamp evaluation")
	}

	if result.Error != "" {
		w.log.Debug().
			Str("alert_id", alert.AlertID).
			Str("error", result.Error).
			Msg("Alert evaluation returned error result")
	}
	if !result.Matched {
		return
	}

	if alert.CooldownSeconds > 0 && alert.LastTriggeredAt != nil &&
		now.Unix() < *alert.LastTriggeredAt+alert.CooldownSeconds {
		w.log.Debug().Str("alert_id", alert.AlertID).Msg("Trigger suppressed by cooldown")
		return
	}

	if alert.MaxTriggersPerDay != nil && *alert.MaxTriggersPerDay > 0 {
		count, err := w.repo.CountEventsSince(w.ctx, alert.AlertID, now.Add(-24*time.Hour).Unix())
		if err != nil {
			w.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("Failed to count daily triggers")
			return
		}
		if int64(count) >= *alert.MaxTriggersPerDay {
			w.log.Debug().Str("alert_id", alert.AlertID).Int("today", count).Msg("Trigger suppressed by daily cap")
			return
		}
	}

	w.fireTrigger(alert, result, now)
}

// fireTrigger notifies every configured channel and records the event.
func (w *Worker) fireTrigger(alert *Alert, result EvaluationResult, now time.Time) {
	eventID := uuid.NewString()

	outcome, err := w.notifier.Send(w.ctx, SendRequest{
		UserID:       alert.UserID,
		AlertID:      alert.AlertID,
		EventID:      eventID,
		AlertName:    alert.Name,
		AlertType:    alert.AlertType,
		Priority:     alert.Priority,
		TriggerValue: result.CurrentValue,
		Threshold:    result.Threshold,
		Symbol:       symbolFromDetails(result.Details),
		Channels:     alert.NotificationChannels,
	})
	if err != nil {
		w.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("Notification dispatch failed")
		outcome = SendOutcome{Skipped: true, SkipReason: "dispatch_error"}
	}

	evalJSON, err := json.Marshal(result)
	if err != nil {
		w.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("Failed to encode evaluation result")
	}
	notifJSON, err := json.Marshal(outcome)
	if err != nil {
		w.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("Failed to encode notification outcome")
	}

	event := &Event{
		EventID:             eventID,
		AlertID:             alert.AlertID,
		TriggeredAt:         now.Unix(),
		EvaluationResult:    evalJSON,
		NotificationResults: notifJSON,
	}
	if err := w.repo.RecordTrigger(w.ctx, event); err != nil {
		w.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("Failed to record trigger event")
		return
	}

	w.log.Info().
		Str("alert_id", alert.AlertID).
		Str("priority", alert.Priority).
		Bool("skipped", outcome.Skipped).
		Msg("Alert triggered")
}

// EvaluateNow evaluates one alert immediately, bypassing its schedule. Used
// by the manual trigger endpoint.
func (w *Worker) EvaluateNow(ctx context.Context, alertID string) error {
	alert, err := w.repo.GetAlert(ctx, alertID)
	if err != nil {
		return fmt.Errorf("failed to load alert: %w", err)
	}
	if alert.Status != StatusActive {
		return fmt.Errorf("alert %s is %s, not active", alertID, alert.Status)
	}
	w.evaluateOne(alert)
	return nil
}

func symbolFromDetails(details map[string]interface{}) string {
	if details == nil {
		return ""
	}
	if s, ok := details["symbol"].(string); ok {
		return s
	}
	return ""
}
