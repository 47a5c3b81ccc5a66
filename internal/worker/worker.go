// Package worker runs automation tasks requested over the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/errorrate"
)

// Executor runs a task context through the unit named by its type.
type Executor interface {
	Execute(ctx context.Context, tc *domain.TaskContext) *domain.TaskResult
}

// Worker consumes task requests and publishes their results.
type Worker struct {
	bus        domain.EventBus
	tasks      Executor
	errorRates *errorrate.Service

	sem           chan struct{}
	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds the tasks executed at once.
	Concurrency int
}

// NewWorker creates a new task worker. errorRates may be nil.
func NewWorker(bus domain.EventBus, tasks Executor, errorRates *errorrate.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:        bus,
		tasks:      tasks,
		errorRates: errorRates,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to task requests.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	w.sem = make(chan struct{}, cfg.Concurrency)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTaskRequested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTaskRequested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicTaskRequested,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// handleMessage runs one request. The result is published and also returned
// as the reply for request-reply callers.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) ([]byte, error) {
	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return nil, w.ctx.Err()
	}
	w.wg.Add(1)
	defer func() {
		<-w.sem
		w.wg.Done()
	}()

	start := time.Now()

	var tc domain.TaskContext
	if err := json.Unmarshal(msg.Payload, &tc); err != nil {
		slog.Error("failed to parse task request",
			"message_id", msg.ID,
			"error", err,
		)
		return nil, err
	}

	res := w.tasks.Execute(ctx, &tc)

	if w.errorRates != nil {
		if err := w.errorRates.Observe(ctx, res); err != nil {
			slog.Warn("failed to record task outcome", "task_id", res.TaskID, "error", err)
		}
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task result: %w", err)
	}
	if err := w.bus.Publish(ctx, domain.TopicTaskCompleted, payload); err != nil {
		slog.Error("failed to publish task result",
			"task_id", res.TaskID,
			"error", err,
		)
	}

	slog.Info("task processed",
		"task_id", res.TaskID,
		"task_type", res.TaskType,
		"status", res.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return payload, nil
}

// Stop gracefully stops the worker and waits for running tasks.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
