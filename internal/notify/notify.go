// Package notify delivers terminal-status notifications for tasks.
//
// Delivery is fire-and-forget: the engine hands a notification to the
// Notifier, which sends it on its own goroutine with a timeout. Failures and
// panics in a Dispatcher are logged and counted, never returned to the task
// lifecycle.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChuLiYu/taskengine/internal/metrics"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// Summary is the human-facing outcome of a task.
type Summary struct {
	Type      types.TaskType `json:"type"`
	Title     string         `json:"title"`
	OwnerID   string         `json:"owner_id,omitempty"`
	ScopeID   string         `json:"scope_id,omitempty"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Total     int            `json:"total"`
	Error     string         `json:"error,omitempty"`
	RetryOf   types.TaskID   `json:"retry_of,omitempty"`
}

// SummaryOf builds the summary of a stored task.
func SummaryOf(t *types.Task) Summary {
	return Summary{
		Type:      t.Type,
		Title:     t.Title,
		OwnerID:   t.OwnerID,
		ScopeID:   t.ScopeID,
		Processed: t.Progress.ProcessedItems,
		Failed:    t.Progress.FailedItems,
		Total:     t.Progress.TotalItems,
		Error:     t.Error,
		RetryOf:   t.RetryOf,
	}
}

// Dispatcher sends one notification.
type Dispatcher interface {
	Notify(ctx context.Context, id types.TaskID, status types.TaskStatus, s Summary) error
}

// LogDispatcher writes notifications to the log. It is the default when no
// transport is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Notify(_ context.Context, id types.TaskID, status types.TaskStatus, s Summary) error {
	d.logger.Info("task finished",
		zap.String("task_id", string(id)),
		zap.String("status", string(status)),
		zap.String("type", string(s.Type)),
		zap.String("owner_id", s.OwnerID),
		zap.Int("processed", s.Processed),
		zap.Int("failed", s.Failed),
		zap.Int("total", s.Total),
	)
	return nil
}

// Message is the JSON document published by RedisDispatcher.
type Message struct {
	TaskID  types.TaskID     `json:"task_id"`
	Status  types.TaskStatus `json:"status"`
	Summary Summary          `json:"summary"`
	SentAt  time.Time        `json:"sent_at"`
}

// RedisDispatcher publishes notifications on a Redis channel.
type RedisDispatcher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisDispatcher(client redis.UniversalClient, channel string) *RedisDispatcher {
	return &RedisDispatcher{client: client, channel: channel}
}

func (d *RedisDispatcher) Notify(ctx context.Context, id types.TaskID, status types.TaskStatus, s Summary) error {
	body, err := json.Marshal(Message{TaskID: id, Status: status, Summary: s, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := d.client.Publish(ctx, d.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", id, d.channel, err)
	}
	return nil
}

// Multi fans a notification out to several dispatchers and joins their errors.
type Multi []Dispatcher

func (m Multi) Notify(ctx context.Context, id types.TaskID, status types.TaskStatus, s Summary) error {
	var errs []error
	for _, d := range m {
		if err := d.Notify(ctx, id, status, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notifier runs a Dispatcher asynchronously.
type Notifier struct {
	dispatcher Dispatcher
	timeout    time.Duration
	logger     *zap.Logger
	metrics    metrics.Recorder
	wg         sync.WaitGroup
}

const DefaultTimeout = 5 * time.Second

// NewNotifier wraps d. A non-positive timeout uses DefaultTimeout.
func NewNotifier(d Dispatcher, timeout time.Duration, logger *zap.Logger, rec metrics.Recorder) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Notifier{dispatcher: d, timeout: timeout, logger: logger.Named("notify"), metrics: rec}
}

// Send schedules a notification for a task in a terminal status and returns
// immediately.
func (n *Notifier) Send(t *types.Task) {
	id, status, s := t.ID, t.Status, SummaryOf(t)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := n.deliver(id, status, s)
		n.metrics.Notification(err)
		if err != nil {
			n.logger.Warn("notification failed",
				zap.String("task_id", string(id)),
				zap.String("status", string(status)),
				zap.Error(err),
			)
		}
	}()
}

func (n *Notifier) deliver(id types.TaskID, status types.TaskStatus, s Summary) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatcher panic: %v", p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	return n.dispatcher.Notify(ctx, id, status, s)
}

// Wait blocks until every scheduled notification has been attempted.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
