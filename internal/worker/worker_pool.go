// ============================================================================
// Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量 Worker goroutine 的生命週期和任務分發
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 並發控制:
//   - inFlight 計數器：Submit 時 +1，Worker 跑完 -1；Idle() = N - inFlight
//   - Submit 不阻塞：沒有空位時回傳 ErrPoolBusy
//   - Submit 與 Stop 都在 mu 之下操作 taskCh，不會向已關閉的 channel 發送
//
// 優雅關閉:
//   Stop() 流程：
//   1. 標記 stopped，關閉 taskCh
//   2. Worker 跑完手上任務（ctx 取消時 Runner 會 checkpoint 並交回佇列）
//   3. WaitGroup.Wait() 等待所有 Worker 完成
//   4. 關閉 resultCh；ReceiveResult 讀完剩餘結果後回傳 ErrPoolClosed
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolBusy 表示所有 Worker 都在忙
	ErrPoolBusy = errors.New("worker pool is busy")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	taskCh   chan *types.Task
	resultCh chan Result
	wg       sync.WaitGroup
	inFlight atomic.Int64
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool 建立新的 Worker Pool；bufferSize 為結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Pool{
		resultCh: make(chan Result, bufferSize),
	}
}

// Start 啟動 workerCount 個 Worker，每個 Worker 用 runner 執行任務
func (p *Pool) Start(ctx context.Context, workerCount int, runner Runner) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return errors.New("worker count must be positive")
	}

	p.taskCh = make(chan *types.Task, workerCount)
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, runner, func() { p.inFlight.Add(-1) })
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務；沒有空閒 Worker 時回傳 ErrPoolBusy
func (p *Pool) Submit(task *types.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if p.inFlight.Load() >= int64(len(p.workers)) {
		return ErrPoolBusy
	}

	select {
	case p.taskCh <- task:
		p.inFlight.Add(1)
		return nil
	default:
		return ErrPoolBusy
	}
}

// ReceiveResult 接收下一個執行結果；Pool 停止且結果讀完後回傳 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool，等待所有 Worker 跑完手上任務
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// Idle returns the number of workers free to take a task.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return 0
	}
	n := len(p.workers) - int(p.inFlight.Load())
	if n < 0 {
		return 0
	}
	return n
}

// Busy returns the number of tasks submitted and not yet finished.
func (p *Pool) Busy() int {
	return int(p.inFlight.Load())
}

// GetWorkerCount 返回 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
