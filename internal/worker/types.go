package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

// Runner executes one claimed task to the end of its run.
type Runner interface {
	Run(ctx context.Context, task *types.Task) Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task *types.Task) Result

func (f RunnerFunc) Run(ctx context.Context, task *types.Task) Result { return f(ctx, task) }

// Result 代表一次任務執行的結果
type Result struct {
	TaskID   types.TaskID     // 任務 ID
	Type     types.TaskType   // 任務類型
	Status   types.TaskStatus // 執行結束後的狀態（COMPLETED/FAILED/CANCELLED/PAUSED/QUEUED）
	Task     *types.Task      // 最後一次從 store 讀到的任務
	Err      error            // 任務層級錯誤（如果有）
	Duration time.Duration    // 實際執行時間
}

// Terminal reports whether the run ended the task's lifecycle.
func (r Result) Terminal() bool { return r.Status.IsTerminal() }
