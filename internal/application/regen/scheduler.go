package regen

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
	"landing-ai-api/pkg/tracer"
)

// DefaultConcurrencyLimit 同时在途的远端调用上限
const DefaultConcurrencyLimit = 2

// Executor 执行单个任务，失败体现在结果中
type Executor func(ctx context.Context, task entity.RegenerationTask) entity.TaskOutcome

// ProgressFunc 每个任务结束后回调一次
type ProgressFunc func(p entity.Progress)

// Scheduler 分波调度器：每波最多 limit 个任务，整波结束后才启动下一波
type Scheduler struct {
	limit  int
	onWave func(index, size int)
}

// NewScheduler 创建调度器
func NewScheduler(limit int) *Scheduler {
	if limit < 1 {
		limit = DefaultConcurrencyLimit
	}
	return &Scheduler{limit: limit}
}

// OnWave 注册波次开始回调
func (s *Scheduler) OnWave(fn func(index, size int)) *Scheduler {
	s.onWave = fn
	return s
}

// Run 按输入顺序分波执行全部任务，返回与输入同序的结果。
// 单个任务失败不会中止批次。ctx 取消后不再启动新的波次，
// 已在途的调用不受取消影响，此时返回 ErrBatchCancelled。
// tasks 中各任务的 Status 随执行推进：启动时为 running，结束后为终态，
// 未启动的任务保持 created。
func (s *Scheduler) Run(ctx context.Context, tasks []entity.RegenerationTask, exec Executor, onProgress ProgressFunc) ([]entity.TaskOutcome, error) {
	ctx, span := tracer.Start(ctx, "regen.Scheduler.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.tasks", len(tasks)), attribute.Int("batch.limit", s.limit))

	total := len(tasks)
	outcomes := make([]entity.TaskOutcome, total)
	callCtx := context.WithoutCancel(ctx)

	var mu sync.Mutex
	completed := 0
	settle := func(i int, out entity.TaskOutcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[i] = out
		tasks[i].Status = out.Status
		completed++
		if onProgress != nil {
			onProgress(entity.Progress{Completed: completed, Total: total})
		}
	}

	for wave, start := 0, 0; start < total; wave, start = wave+1, start+s.limit {
		if err := ctx.Err(); err != nil {
			logger.FromContext(ctx).Info("batch abandoned before wave", "wave", wave, "completed", completed)
			return outcomes[:start], errors.ErrBatchCancelled.WithError(err)
		}

		end := min(start+s.limit, total)
		if s.onWave != nil {
			s.onWave(wave, end-start)
		}

		waveCtx, waveSpan := tracer.Start(callCtx, fmt.Sprintf("regen.Scheduler.wave.%d", wave))
		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			tasks[i].Status = entity.TaskStatusRunning
			g.Go(func() error {
				settle(i, runGuarded(waveCtx, exec, tasks[i]))
				return nil
			})
		}
		_ = g.Wait()
		waveSpan.End()
	}

	if err := ctx.Err(); err != nil {
		return outcomes, errors.ErrBatchCancelled.WithError(err)
	}
	return outcomes, nil
}

// runGuarded 把执行器 panic 转为失败结果
func runGuarded(ctx context.Context, exec Executor, task entity.RegenerationTask) (out entity.TaskOutcome) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Newf(errors.CodeInternalError, "task panicked: %v", r)
			logger.FromContext(ctx).Error("regeneration task panicked", "task_id", task.ID, "panic", r)
			out = entity.TaskOutcome{TaskID: task.ID, BlockID: task.BlockID, Status: entity.TaskStatusFailed, Err: err, ErrorMessage: err.Error()}
		}
	}()
	out = exec(ctx, task)
	if !out.Status.Terminal() {
		out.Status = entity.SettledStatus(out.Success)
	}
	if out.TaskID == "" {
		out.TaskID = task.ID
	}
	if out.BlockID.IsZero() {
		out.BlockID = task.BlockID
	}
	return out
}
