// ============================================================================
// Task Engine 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 協調 store、scheduler、worker pool 與通知，實現崩潰恢復與任務調度
//
// 架構設計:
//   - Store: 任務的唯一事實來源（memory / file / sqlite / postgres）
//   - Scheduler: 以 CAS 搶佔 PENDING / QUEUED 任務
//   - WorkerPool + Executor: 逐項執行任務並 checkpoint
//   - Notifier: 任務進入終態時非同步通知
//
// 核心循環 (5 個並發 Goroutine):
//   1. Dispatch Loop - 有空閒 worker 時向 scheduler 要任務（wake 或 poll tick）
//   2. Result Loop   - 接收 worker 結果，終態時通知，釋放的 slot 觸發 wake
//   3. Timeout Loop  - 超過 max_task_duration 的任務走 CancelTask
//   4. Snapshot Loop - store 支援 Snapshot 時定期快照並旋轉 WAL
//   5. Stats Loop    - 定期更新各狀態任務數的 gauge
//
// 崩潰恢復流程 (Start):
//   store 開啟時已完成 snapshot + WAL replay；這裡只處理本節點遺留的
//   RUNNING 任務：
//   - 帶 CANCEL 訊號 → CANCELLED 並通知
//   - 帶 PAUSE 訊號  → PAUSED
//   - 其餘           → PAUSED → QUEUED，之後從 ResumeCursor 繼續
//
// 優雅關閉 (Stop):
//   1. cancel(runCtx) → Executor checkpoint 並把任務交回佇列
//   2. 等待 dispatch / timeout / snapshot / stats 循環退出
//   3. pool.Stop()    → 等待 Worker 跑完，關閉 resultCh，resultLoop 退出
//   4. notifier.Wait()
//
// Controller 不呼叫 Start 也可以使用：CLI 透過同一套 Control API 操作共用
// 的 store（sqlite / postgres），由執行中的引擎以 poll tick 撿起任務。
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskengine/internal/metrics"
	"github.com/ChuLiYu/taskengine/internal/notify"
	"github.com/ChuLiYu/taskengine/internal/processor"
	"github.com/ChuLiYu/taskengine/internal/progress"
	"github.com/ChuLiYu/taskengine/internal/scheduler"
	"github.com/ChuLiYu/taskengine/internal/taskstore"
	"github.com/ChuLiYu/taskengine/internal/worker"
	"github.com/ChuLiYu/taskengine/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	NodeID           string                // 本節點 ID，寫入 ClaimedBy
	WorkerCount      int                   // Worker 數量（同時執行的任務上限）
	PollInterval     time.Duration         // 無 wake 時輪詢 store 的間隔
	Checkpoint       progress.Policy       // checkpoint 頻率
	MaxTaskDuration  time.Duration         // 單一任務最長執行時間，0 = 不限
	SnapshotInterval time.Duration         // 快照間隔，0 = 只在 Stop 時快照
	StatsInterval    time.Duration         // gauge 更新間隔
	StoreRetry       taskstore.RetryPolicy // store 基礎設施錯誤的重試
}

const (
	DefaultWorkerCount   = 4
	DefaultPollInterval  = time.Second
	DefaultStatsInterval = 15 * time.Second
)

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = "local"
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	return c
}

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrStopped        = errors.New("controller stopped")
	ErrNotStarted     = errors.New("controller not started")
)

// Controller 核心控制器
type Controller struct {
	store     taskstore.Store
	registry  *processor.Registry
	scheduler *scheduler.Scheduler
	pool      *worker.Pool
	runner    worker.Runner
	notifier  *notify.Notifier
	metrics   metrics.Recorder
	logger    *zap.Logger
	config    Config

	wakeCh  chan struct{} // 容量 1，合併多次 wake
	cancel  context.CancelFunc
	mu      sync.Mutex // 保護 started / stopped / cancel
	started bool
	stopped bool

	startTime time.Time
	loopWg    sync.WaitGroup // dispatch / timeout / snapshot / stats
	resultWg  sync.WaitGroup // result loop，在 pool.Stop 之後才會結束
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller。notifier、logger、rec 可為 nil。
func New(store taskstore.Store, registry *processor.Registry, notifier *notify.Notifier, cfg Config, logger *zap.Logger, rec metrics.Recorder) *Controller {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	if notifier == nil {
		notifier = notify.NewNotifier(notify.NewLogDispatcher(logger), 0, logger, rec)
	}
	logger = logger.With(zap.String("node_id", cfg.NodeID))

	exec := worker.NewExecutor(store, registry, worker.ExecutorConfig{
		Checkpoint: cfg.Checkpoint,
		StoreRetry: cfg.StoreRetry,
	}, logger, rec)

	return &Controller{
		store:     store,
		registry:  registry,
		scheduler: scheduler.New(store, cfg.NodeID, logger),
		pool:      worker.NewPool(cfg.WorkerCount),
		runner:    exec,
		notifier:  notifier,
		metrics:   rec,
		logger:    logger.Named("controller"),
		config:    cfg,
		wakeCh:    make(chan struct{}, 1),
	}
}

// Start 執行崩潰恢復，然後啟動 Worker Pool 與核心循環。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	// 1. 恢復階段
	c.logger.Info("starting recovery")
	recovered, err := c.recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	recoveryTime := time.Since(c.startTime)
	c.metrics.SetRecoveryTime(recoveryTime)
	c.logger.Info("recovery completed",
		zap.Duration("duration", recoveryTime),
		zap.Int("requeued_tasks", recovered))

	// 2. 啟動 Worker Pool
	runCtx, cancel := context.WithCancel(ctx)
	if err := c.pool.Start(runCtx, c.config.WorkerCount, c.runner); err != nil {
		cancel()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.cancel = cancel
	c.started = true

	// 3. 啟動核心循環
	c.resultWg.Add(1)
	go c.resultLoop()

	c.loopWg.Add(3)
	go c.dispatchLoop(runCtx)
	go c.timeoutLoop(runCtx)
	go c.statsLoop(runCtx)
	if snap, ok := c.store.(taskstore.Snapshotter); ok && c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop(runCtx, snap)
	}

	c.wake()
	c.logger.Info("controller started", zap.Int("workers", c.pool.GetWorkerCount()))
	return nil
}

// recover 處理本節點在上次崩潰時遺留的 RUNNING 任務
func (c *Controller) recover(ctx context.Context) (int, error) {
	orphans, err := c.store.List(ctx, types.TaskFilter{
		Statuses:  []types.TaskStatus{types.StatusRunning},
		ClaimedBy: c.config.NodeID,
	})
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, t := range orphans {
		log := c.logger.With(zap.String("task_id", string(t.ID)), zap.Int("resume_cursor", t.ResumeCursor))
		switch t.Control {
		case types.ControlCancel:
			stored, err := c.transition(ctx, t.ID, types.StatusRunning, types.StatusCancelled, "cancelled on request")
			if err != nil {
				log.Error("failed to cancel orphaned task", zap.Error(err))
				continue
			}
			c.notifier.Send(stored)
			log.Info("orphaned task cancelled")
		case types.ControlPause:
			if _, err := c.transition(ctx, t.ID, types.StatusRunning, types.StatusPaused, ""); err != nil {
				log.Error("failed to pause orphaned task", zap.Error(err))
				continue
			}
			log.Info("orphaned task paused")
		default:
			if err := c.requeue(ctx, t.ID); err != nil {
				log.Error("failed to requeue orphaned task", zap.Error(err))
				continue
			}
			requeued++
			log.Info("orphaned task requeued")
		}
	}
	return requeued, nil
}

// requeue 把 RUNNING 任務交回佇列：RUNNING -> PAUSED -> QUEUED
func (c *Controller) requeue(ctx context.Context, id types.TaskID) error {
	if _, err := c.transition(ctx, id, types.StatusRunning, types.StatusPaused, ""); err != nil {
		return err
	}
	_, err := c.transition(ctx, id, types.StatusPaused, types.StatusQueued, "")
	return err
}

func (c *Controller) transition(ctx context.Context, id types.TaskID, from, to types.TaskStatus, reason string) (*types.Task, error) {
	var stored *types.Task
	err := taskstore.Retry(ctx, c.config.StoreRetry, func() error {
		t, err := c.store.UpdateStatus(ctx, id, types.Transition{From: from, To: to, Reason: reason})
		stored = t
		return err
	})
	return stored, err
}

// wake 通知 dispatch loop 有新工作或空閒 slot，不阻塞
func (c *Controller) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// ============================================================================
// 核心循環
// ============================================================================

// dispatchLoop 在有空閒 Worker 時向 scheduler 要任務
func (c *Controller) dispatchLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("dispatch loop stopped")
			return
		case <-ticker.C:
		case <-c.wakeCh:
		}
		c.dispatch(ctx)
	}
}

func (c *Controller) dispatch(ctx context.Context) {
	slots := c.pool.Idle()
	if slots == 0 {
		return
	}
	claimed, err := c.scheduler.Next(ctx, slots)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("scheduler failed", zap.Error(err))
		}
		return
	}
	for _, t := range claimed {
		if err := c.pool.Submit(t); err != nil {
			// claimed but not running: hand it back
			c.logger.Warn("submit failed, requeueing", zap.String("task_id", string(t.ID)), zap.Error(err))
			if err := c.requeue(context.WithoutCancel(ctx), t.ID); err != nil {
				c.logger.Error("requeue after submit failure", zap.String("task_id", string(t.ID)), zap.Error(err))
			}
			continue
		}
		c.logger.Debug("task dispatched", zap.String("task_id", string(t.ID)), zap.Int("priority", t.Priority))
	}
	c.metrics.SetWorkersBusy(c.pool.Busy())
}

// resultLoop 處理 Worker 執行結果，直到 Pool 關閉
func (c *Controller) resultLoop() {
	defer c.resultWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				c.logger.Debug("result loop stopped")
				return
			}
			c.logger.Error("failed to receive result", zap.Error(err))
			continue
		}
		c.handleResult(result)
	}
}

func (c *Controller) handleResult(result worker.Result) {
	c.metrics.SetWorkersBusy(c.pool.Busy())
	c.wake()

	if result.Terminal() && result.Task != nil {
		c.notifier.Send(result.Task)
	}
	if result.Status == types.StatusRunning {
		// the executor could not move the task out of RUNNING; it is
		// recovered on the next start of this node
		c.logger.Error("task left RUNNING after run",
			zap.String("task_id", string(result.TaskID)), zap.Error(result.Err))
	}
}

// timeoutLoop 取消執行過久的任務
func (c *Controller) timeoutLoop(ctx context.Context) {
	defer c.loopWg.Done()
	if c.config.MaxTaskDuration <= 0 {
		return
	}
	interval := c.config.MaxTaskDuration / 4
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("timeout loop stopped")
			return
		case now := <-ticker.C:
			c.cancelExpired(ctx, now)
		}
	}
}

func (c *Controller) cancelExpired(ctx context.Context, now time.Time) {
	running, err := c.store.List(ctx, types.TaskFilter{
		Statuses:  []types.TaskStatus{types.StatusRunning},
		ClaimedBy: c.config.NodeID,
	})
	if err != nil {
		c.logger.Error("list running tasks", zap.Error(err))
		return
	}
	for _, t := range running {
		if t.StartedAt == nil || now.Sub(*t.StartedAt) < c.config.MaxTaskDuration || t.Control == types.ControlCancel {
			continue
		}
		if err := c.CancelTask(ctx, t.ID); err != nil && !errors.Is(err, taskstore.ErrInvalidTransition) {
			c.logger.Warn("cancel expired task", zap.String("task_id", string(t.ID)), zap.Error(err))
			continue
		}
		c.logger.Warn("task exceeded max duration, cancel requested",
			zap.String("task_id", string(t.ID)),
			zap.Duration("running_for", now.Sub(*t.StartedAt)))
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop(ctx context.Context, snap taskstore.Snapshotter) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("snapshot loop stopped")
			return
		case <-ticker.C:
			start := time.Now()
			if err := snap.Snapshot(ctx); err != nil {
				c.logger.Error("failed to take snapshot", zap.Error(err))
				continue
			}
			c.logger.Info("snapshot taken", zap.Duration("duration", time.Since(start)))
		}
	}
}

// statsLoop 定期更新任務數 gauge
func (c *Controller) statsLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	c.refreshStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshStats(ctx)
		}
	}
}

func (c *Controller) refreshStats(ctx context.Context) {
	counts, err := c.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("stats", zap.Error(err))
		}
		return
	}
	c.metrics.SetTaskCounts(counts)
}

// ============================================================================
// 關閉
// ============================================================================

// Stop 優雅關閉 Controller。執行中的任務 checkpoint 後回到 QUEUED。
// Store 由呼叫者關閉。
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if !started {
		c.notifier.Wait()
		return
	}
	c.logger.Info("stopping controller")

	// 1. 取消 runCtx：循環退出，Executor 交回任務
	c.cancel()
	c.loopWg.Wait()

	// 2. 等待 Worker，resultCh 關閉後 resultLoop 退出
	c.pool.Stop()
	c.resultWg.Wait()

	// 3. 最後一次快照
	if snap, ok := c.store.(taskstore.Snapshotter); ok {
		if err := snap.Snapshot(context.Background()); err != nil {
			c.logger.Error("failed to take final snapshot", zap.Error(err))
		}
	}

	c.notifier.Wait()
	c.logger.Info("controller stopped", zap.Duration("uptime", time.Since(c.startTime)))
}

// Health 回報 store 是否可用，供 /healthz 使用
func (c *Controller) Health(ctx context.Context) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !c.pool.IsStarted() {
		return ErrNotStarted
	}
	_, err := c.store.List(ctx, types.TaskFilter{Limit: 1})
	return err
}
