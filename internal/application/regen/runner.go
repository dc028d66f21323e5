// Package regen 实现批量区块重生成：单任务重试、分波调度与批次编排
package regen

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
	"landing-ai-api/pkg/metrics"
	"landing-ai-api/pkg/tracer"
)

// RegenerateRequest 单区块重生成请求
type RegenerateRequest struct {
	BlockID              int64          `json:"block_id"`
	Style                string         `json:"style"`
	ColorScheme          string         `json:"color_scheme,omitempty"`
	CustomInstruction    string         `json:"custom_instruction,omitempty"`
	Mode                 entity.Mode    `json:"mode"`
	ReferenceArtifactURL string         `json:"reference_artifact_url,omitempty"`
	BoundaryOffsetTop    int            `json:"boundary_offset_top,omitempty"`
	BoundaryOffsetBottom int            `json:"boundary_offset_bottom,omitempty"`
	CopyText             string         `json:"copy_text,omitempty"`
	TargetVariant        entity.Variant `json:"target_variant,omitempty"`
}

// Regenerator 远端生成服务
type Regenerator interface {
	Regenerate(ctx context.Context, req RegenerateRequest) (*entity.ContentRef, error)
}

// transient 由远端错误实现，标识服务端（5xx）类失败
type transient interface {
	Transient() bool
}

// IsTransient 判断错误是否值得重试
func IsTransient(err error) bool {
	var t transient
	if stderrors.As(err, &t) {
		return t.Transient()
	}
	return errors.HasCode(err, errors.CodeTransientRemote)
}

// RunnerConfig 重试配置
type RunnerConfig struct {
	MaxAttempts int
	BackoffStep time.Duration
}

// DefaultRunnerConfig 3 次尝试，第 n 次失败后等待 n*5s
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{MaxAttempts: 3, BackoffStep: 5 * time.Second}
}

// Runner 执行单个重生成任务，带有限重试与退避
type Runner struct {
	gen   Regenerator
	clock Clock
	cfg   RunnerConfig
}

// NewRunner 创建任务执行器
func NewRunner(gen Regenerator, clock Clock, cfg RunnerConfig) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Runner{gen: gen, clock: clock, cfg: cfg}
}

// Run 执行任务并返回结果。失败只体现在结果里，不返回 error。
func (r *Runner) Run(ctx context.Context, task entity.RegenerationTask) (outcome entity.TaskOutcome) {
	ctx, span := tracer.Start(ctx, "regen.Runner.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("block.id", task.BlockID.String()),
		attribute.String("task.mode", string(task.Mode)),
	)
	ctx = logger.WithContext(ctx, logger.BlockIDKey, task.BlockID.String())
	log := logger.FromContext(ctx)

	task.Status = entity.TaskStatusRunning
	outcome = entity.TaskOutcome{TaskID: task.ID, BlockID: task.BlockID, Status: task.Status}
	start := r.clock.Now()
	defer func() {
		outcome.Status = entity.SettledStatus(outcome.Success)
		metrics.RegenTasksTotal.WithLabelValues(string(task.Mode), string(outcome.Status)).Inc()
		metrics.RegenTaskDuration.WithLabelValues(string(task.Mode)).Observe(r.clock.Now().Sub(start).Seconds())
	}()

	if !task.BlockID.IsDurable() {
		outcome.Err = errors.ErrNotPersisted.WithDetail(task.BlockID.String())
		outcome.ErrorMessage = outcome.Err.Error()
		log.Warn("regeneration skipped for unsaved block")
		return outcome
	}

	primary := task.TargetVariant
	if primary != entity.VariantMobile {
		primary = entity.VariantDesktop
	}

	req := buildRequest(task, primary)
	ref, attempts, err := r.attempt(ctx, req)
	outcome.Attempts = attempts
	if err != nil {
		tracer.Fail(span, err)
		outcome.Err = err
		outcome.ErrorMessage = err.Error()
		log.Warn("regeneration failed", "attempts", attempts, "error", err)
		return outcome
	}

	outcome.Success = true
	if primary == entity.VariantMobile {
		outcome.Mobile = ref
		return outcome
	}
	outcome.Desktop = ref

	if task.TargetVariant == entity.VariantBoth {
		mreq := buildRequest(task, entity.VariantMobile)
		mreq.ReferenceArtifactURL = ref.URL
		mobile, _, err := r.attempt(ctx, mreq)
		if err != nil {
			log.Warn("mobile variant failed, keeping desktop result", "error", err)
		} else {
			outcome.Mobile = mobile
		}
	}
	return outcome
}

// attempt 按配置重试。仅服务端类失败会重试，第 n 次失败后等待 n*step。
func (r *Runner) attempt(ctx context.Context, req RegenerateRequest) (*entity.ContentRef, int, error) {
	variant := string(req.TargetVariant)
	var lastErr error
	for n := 1; n <= r.cfg.MaxAttempts; n++ {
		ref, err := r.call(ctx, req)
		if err == nil {
			metrics.RegenAttemptsTotal.WithLabelValues(variant, "ok").Inc()
			return ref, n, nil
		}
		lastErr = err

		if !IsTransient(err) {
			metrics.RegenAttemptsTotal.WithLabelValues(variant, "terminal").Inc()
			return nil, n, err
		}
		metrics.RegenAttemptsTotal.WithLabelValues(variant, "transient").Inc()
		if n == r.cfg.MaxAttempts {
			break
		}

		delay := time.Duration(n) * r.cfg.BackoffStep
		logger.FromContext(ctx).Debug("transient regeneration failure, backing off",
			"attempt", n, "delay", delay, "error", err)
		if err := r.clock.Sleep(ctx, delay); err != nil {
			return nil, n, err
		}
	}
	return nil, r.cfg.MaxAttempts, errors.Wrap(lastErr, errors.CodeTransientRemote,
		fmt.Sprintf("gave up after %d attempts", r.cfg.MaxAttempts))
}

func (r *Runner) call(ctx context.Context, req RegenerateRequest) (*entity.ContentRef, error) {
	metrics.RegenInFlight.Inc()
	defer metrics.RegenInFlight.Dec()

	ref, err := r.gen.Regenerate(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ref.Valid() {
		return nil, errors.New(errors.CodeTerminalRemote, "regeneration response missing artifact id or url")
	}
	return ref, nil
}

func buildRequest(task entity.RegenerationTask, variant entity.Variant) RegenerateRequest {
	req := RegenerateRequest{
		BlockID:              task.BlockID.Int64(),
		Style:                task.Style.Wire(),
		ColorScheme:          task.Style.ColorScheme,
		CustomInstruction:    task.CustomInstruction,
		Mode:                 task.Mode,
		BoundaryOffsetTop:    task.BoundaryOffsetTop,
		BoundaryOffsetBottom: task.BoundaryOffsetBottom,
		CopyText:             task.CopyText,
		TargetVariant:        variant,
	}
	if task.ReferenceContentRef != nil {
		req.ReferenceArtifactURL = task.ReferenceContentRef.URL
	}
	return req
}
