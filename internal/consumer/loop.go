// Package consumer drives the bus → cache → decider → publish pipeline: the
// sole writer of coincidence cache state, and the only place retry/backoff
// and shutdown semantics live.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/snews-network/coincidence-server/internal/alert"
	"github.com/snews-network/coincidence-server/internal/bus"
	"github.com/snews-network/coincidence-server/internal/coincidence"
	"github.com/snews-network/coincidence-server/internal/config"
	"github.com/snews-network/coincidence-server/internal/heartbeat"
	"github.com/snews-network/coincidence-server/internal/observation"
	"github.com/snews-network/coincidence-server/internal/ops"
	"github.com/snews-network/coincidence-server/internal/storage"
)

// Loop owns the coincidence cache and drives one subscription's worth of
// messages through classification, alerting, and persistence.
type Loop struct {
	cfg       *config.Config
	subBus    bus.Subscriber
	pubBus    bus.Publisher
	store     storage.Store
	cache     *coincidence.Cache
	decider   *alert.Decider
	heartbeat *heartbeat.InMemory
	logger    *ops.Logger
	metrics   *ops.Metrics

	retryCount int
}

// New constructs a Loop ready to Run. subBus and pubBus may be the same
// underlying transport (as RedisBus is, implementing both interfaces).
func New(cfg *config.Config, subBus bus.Subscriber, pubBus bus.Publisher, store storage.Store, decider *alert.Decider, hb *heartbeat.InMemory, logger *ops.Logger, metrics *ops.Metrics) *Loop {
	window := time.Duration(cfg.Coincident.WindowSeconds * float64(time.Second))
	return &Loop{
		cfg:       cfg,
		subBus:    subBus,
		pubBus:    pubBus,
		store:     store,
		cache:     coincidence.NewCache(window),
		decider:   decider,
		heartbeat: hb,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run subscribes to the configured observation topic and processes messages
// until ctx is canceled. It never returns an error for a single bad message;
// it returns only when the loop has been asked to exit (ctx canceled) or a
// fatal transport error has escalated and exit-on-error is configured.
func (l *Loop) Run(ctx context.Context) error {
	topic := l.cfg.ObservationTopic()

	for {
		if err := ctx.Err(); err != nil {
			l.logger.LogShutdown("context canceled")
			return nil
		}

		ch, err := l.subBus.Subscribe(ctx, topic)
		if err != nil {
			if l.handleSubscribeError(ctx, err) {
				return err
			}
			continue
		}
		l.logger.LogBusConnection(topic, true, nil)

		if exit := l.drain(ctx, ch, topic); exit {
			return nil
		}
		// channel closed: transient condition per bus.Subscriber's contract,
		// unless ctx is what closed it.
		if ctx.Err() != nil {
			l.logger.LogShutdown("context canceled")
			return nil
		}
		l.metrics.ReconnectTotal.Inc()
	}
}

// drain reads messages off ch until it closes or ctx is canceled, reporting
// whether the loop should exit entirely (true) or simply reopen (false).
func (l *Loop) drain(ctx context.Context, ch <-chan bus.Message, topic string) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case m, ok := <-ch:
			if !ok {
				return false
			}
			l.processMessage(ctx, m.Payload)
			l.onSuccessfulRead()
		}
	}
}

// handleSubscribeError applies the retryable-error backoff-and-reopen policy
// from spec.md §4.5. It returns true if the loop must give up entirely.
func (l *Loop) handleSubscribeError(ctx context.Context, err error) bool {
	var transient *bus.TransientError
	if errors.As(err, &transient) {
		l.retryCount++
		l.metrics.RetryCount.Set(float64(l.retryCount))
		delay := bus.Backoff(l.retryCount)
		l.logger.LogRetry(l.retryCount, l.cfg.Server.MaxRetriable, delay, err)

		if l.retryCount >= l.cfg.Server.MaxRetriable {
			l.logger.LogFatal(err)
			return l.cfg.Server.ExitOnError
		}

		select {
		case <-ctx.Done():
			return true
		case <-time.After(delay):
		}
		return false
	}

	// Non-retryable: log and reopen unless exit-on-error is configured.
	l.logger.LogFatal(err)
	return l.cfg.Server.ExitOnError
}

// onSuccessfulRead decrements the retry counter, but not below zero, so
// transient failure streaks decay (spec.md §4.5).
func (l *Loop) onSuccessfulRead() {
	if l.retryCount > 0 {
		l.retryCount--
		l.metrics.RetryCount.Set(float64(l.retryCount))
	}
}

// processMessage runs one inbound payload through classify → ingest →
// decide → publish → persist, clearing transition flags once the decider has
// consumed them.
func (l *Loop) processMessage(ctx context.Context, raw []byte) {
	msg, err := observation.ParseMessage(raw)
	if err != nil {
		l.logger.LogIngest(l.cfg.ObservationTopic(), "", false, err)
		l.metrics.MessagesDropped.WithLabelValues("bad_message").Inc()
		return
	}

	l.logger.LogIngest(l.cfg.ObservationTopic(), msg.DetectorName, msg.IsRetraction, nil)

	if !msg.IsRetraction {
		msg.Obs.ReceivedTime = time.Now().UTC()
		l.heartbeat.Touch(msg.DetectorName, msg.Obs.ReceivedTime)
	} else if !l.cache.ContainsDetector(msg.DetectorName) {
		// A retraction for a detector absent from the cache is a no-op,
		// informational only (spec.md §7).
		err := &coincidence.UnknownDetector{DetectorName: msg.DetectorName}
		l.logger.Info("retraction for unknown detector ignored", "error", err)
	}

	l.cache.Ingest(msg)
	l.metrics.MessagesIngested.WithLabelValues(classificationLabel(msg)).Inc()
	l.metrics.SubGroupCount.Set(float64(l.cache.Len()))

	alerts := l.decider.Decide(l.cache)
	l.cache.ResetFlags()

	for _, a := range alerts {
		l.publishAlert(ctx, a)
	}

	l.persist(ctx, msg, raw)
}

func classificationLabel(msg *observation.Message) string {
	if msg.IsRetraction {
		return "retraction"
	}
	return "observation"
}

// publishAlert sends one alert; a PublisherFailure is logged but never
// rolls back the cache mutation that produced it (spec.md §7: at-most-once
// alerting is accepted).
func (l *Loop) publishAlert(ctx context.Context, a alert.Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		l.logger.LogAlert(a.SubListNum, a.AlertType, len(a.DetectorNames), a.FalseAlarmProb, err)
		return
	}

	err = l.pubBus.Publish(ctx, l.cfg.AlertTopic(), payload)
	l.logger.LogAlert(a.SubListNum, a.AlertType, len(a.DetectorNames), a.FalseAlarmProb, err)
	if err != nil {
		return
	}
	l.metrics.AlertsEmitted.WithLabelValues(a.AlertType).Inc()
}

// persist stores the raw observation payload. Persistence is an audit trail,
// not a prerequisite for alerting, so a failure here is logged and otherwise
// ignored (spec.md §7's StorageFailure).
func (l *Loop) persist(ctx context.Context, msg *observation.Message, raw []byte) {
	if msg.IsRetraction {
		return
	}
	start := time.Now()
	err := l.store.Insert(ctx, msg.Obs, raw)
	if err != nil {
		err = &StorageFailure{Cause: err}
	}
	l.logger.LogStorageOperation("insert", time.Since(start), err)
}
