package regen

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"landing-ai-api/internal/application/identity"
	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
	"landing-ai-api/pkg/metrics"
	"landing-ai-api/pkg/tracer"
)

// Phase 编排器状态
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSelecting Phase = "selecting"
	PhaseSaving    Phase = "saving"
	PhaseRunning   Phase = "running"
	PhaseMerging   Phase = "merging"
)

// State 编排器所需的编辑器状态入口
type State interface {
	PageID() string
	Snapshot() []entity.ContentBlock
	// CommitSave 对账保存结果并立即重解析所有已登记的 ID 持有者
	CommitSave(sent, returned []entity.ContentBlock) (*identity.IdentifierMap, error)
	// Lock 锁定区块直到返回的 unlock 被调用
	Lock(ids []entity.BlockID) (unlock func(), err error)
	// ApplyOutcomes 一次性合并全部结果，返回实际发生的变更
	ApplyOutcomes(outcomes []entity.TaskOutcome) []entity.HistoryEntry
}

// BlockSaver 整页保存
type BlockSaver interface {
	SaveBlocks(ctx context.Context, pageID string, blocks []entity.ContentBlock) ([]entity.ContentBlock, error)
}

// HistorySink 接收合并产生的变更记录
type HistorySink interface {
	Record(ctx context.Context, entry entity.HistoryEntry)
}

// RunOptions 单次批量参数
type RunOptions struct {
	Style             entity.StyleParams
	Mode              entity.Mode
	Variant           entity.Variant
	CustomInstruction string
	// AllowHeavy 为 false 时 heavy 降级为 light
	AllowHeavy bool
	OnProgress ProgressFunc
	// Abandon 在全部波次结束、合并之前调用一次，返回 true 时丢弃结果
	Abandon func(ctx context.Context) bool
}

// Report 批次结果汇总
type Report struct {
	Total     int                   `json:"total"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Cancelled bool                  `json:"cancelled"`
	Outcomes  []entity.TaskOutcome  `json:"outcomes"`
	Changes   []entity.HistoryEntry `json:"changes"`
}

// Summary 面向用户的计数提示
func (r *Report) Summary() string {
	switch {
	case r.Cancelled:
		return "regeneration cancelled"
	case r.Failed == 0:
		return fmt.Sprintf("%d/%d sections regenerated", r.Succeeded, r.Total)
	default:
		return fmt.Sprintf("%d/%d sections regenerated, %d failed", r.Succeeded, r.Total, r.Failed)
	}
}

// Orchestrator 批量重生成编排器
//
// Idle → Selecting → Saving → Running → Merging → Idle。
// 所有结果在全部波次结束后一次性合并进编辑器状态。
type Orchestrator struct {
	state     State
	saver     BlockSaver
	runner    *Runner
	scheduler *Scheduler
	history   HistorySink

	mu         sync.Mutex
	phase      Phase
	targets    []entity.BlockID
	reference  *entity.BlockID
	includeRef bool
	cancel     context.CancelFunc
	abandoned  bool
	progress   entity.Progress
}

// NewOrchestrator 创建编排器。history 可为 nil。
func NewOrchestrator(state State, saver BlockSaver, runner *Runner, scheduler *Scheduler, history HistorySink) *Orchestrator {
	if scheduler == nil {
		scheduler = NewScheduler(DefaultConcurrencyLimit)
	}
	return &Orchestrator{
		state:     state,
		saver:     saver,
		runner:    runner,
		scheduler: scheduler,
		history:   history,
		phase:     PhaseIdle,
	}
}

// Phase 当前状态
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Progress 最近一次上报的进度
func (o *Orchestrator) Progress() entity.Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Toggle 切换区块是否为目标，返回切换后的状态
func (o *Orchestrator) Toggle(id entity.BlockID) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.selectableLocked(); err != nil {
		return false, err
	}
	if i := slices.Index(o.targets, id); i >= 0 {
		o.targets = slices.Delete(o.targets, i, i+1)
		return false, nil
	}
	o.targets = append(o.targets, id)
	return true, nil
}

// SetReference 指定风格参考区块，nil 清除。
// 参考区块默认不参与重生成，除非 include 为 true。
func (o *Orchestrator) SetReference(id *entity.BlockID, include bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.selectableLocked(); err != nil {
		return err
	}
	if id == nil {
		o.reference, o.includeRef = nil, false
		return nil
	}
	ref := *id
	o.reference, o.includeRef = &ref, include
	return nil
}

// Selection 返回当前选区
func (o *Orchestrator) Selection() (targets []entity.BlockID, reference *entity.BlockID, include bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	targets = slices.Clone(o.targets)
	if o.reference != nil {
		ref := *o.reference
		reference = &ref
	}
	return targets, reference, o.includeRef
}

// ClearSelection 清空选区
func (o *Orchestrator) ClearSelection() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseSelecting && o.phase != PhaseIdle {
		return
	}
	o.targets, o.reference, o.includeRef = nil, nil, false
	o.phase = PhaseIdle
}

func (o *Orchestrator) selectableLocked() error {
	switch o.phase {
	case PhaseIdle:
		o.phase = PhaseSelecting
		return nil
	case PhaseSelecting:
		return nil
	default:
		return errors.ErrBatchBusy
	}
}

// ReconcileIDs 保存后重解析选区与参考区块，已删除的区块被移出选区，
// 保存期间新增的区块保留原 ID
func (o *Orchestrator) ReconcileIDs(m *identity.IdentifierMap) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.targets = m.ResolveAll(o.targets)
	if o.reference != nil {
		if id, ok := m.Resolve(*o.reference); ok {
			o.reference = &id
		} else {
			o.reference, o.includeRef = nil, false
		}
	}
}

// Cancel 放弃正在执行的批次：不再启动新的波次，在途结果被丢弃
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseRunning || o.cancel == nil {
		return false
	}
	o.abandoned = true
	o.cancel()
	return true
}

// Run 执行一次批量重生成。
// 部分失败只体现在 Report 中；全部失败返回 ErrBatchFailed，取消返回 ErrBatchCancelled。
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	ctx, span := tracer.Start(ctx, "regen.Orchestrator.Run")
	defer span.End()
	ctx = logger.WithContext(ctx, logger.PageIDKey, o.state.PageID())
	log := logger.FromContext(ctx)

	if err := o.begin(); err != nil {
		return nil, err
	}
	// 任何提前返回都回到 Selecting，保留选区
	done := false
	defer func() {
		if !done {
			o.setPhase(PhaseSelecting)
		}
	}()

	if err := opts.Style.Validate(); err != nil {
		return nil, errors.ErrInvalidParam.WithDetail(err.Error())
	}
	if !opts.Variant.Valid() {
		return nil, errors.ErrInvalidParam.WithDetail(fmt.Sprintf("unknown variant %q", opts.Variant))
	}

	// Saving
	sent := o.state.Snapshot()
	returned, err := o.saver.SaveBlocks(ctx, o.state.PageID(), sent)
	if err != nil {
		tracer.Fail(span, err)
		return nil, err
	}
	if _, err := o.state.CommitSave(sent, returned); err != nil {
		tracer.Fail(span, err)
		log.Error("reconciliation failed, batch aborted", "error", err)
		return nil, err
	}

	tasks, err := o.buildTasks(ctx, opts)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("batch.tasks", len(tasks)))

	ids := make([]entity.BlockID, len(tasks))
	for i := range tasks {
		ids[i] = tasks[i].BlockID
	}
	unlock, err := o.state.Lock(ids)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Running
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.phase = PhaseRunning
	o.cancel = cancel
	o.abandoned = false
	o.progress = entity.Progress{Total: len(tasks)}
	o.mu.Unlock()

	start := time.Now()
	outcomes, runErr := o.scheduler.Run(jobCtx, tasks, o.runner.Run, func(p entity.Progress) {
		o.mu.Lock()
		o.progress = p
		o.mu.Unlock()
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	})

	report := &Report{Total: len(tasks)}

	if runErr == nil && opts.Abandon != nil && opts.Abandon(ctx) {
		o.mu.Lock()
		o.abandoned = true
		o.mu.Unlock()
	}

	o.mu.Lock()
	abandoned := o.abandoned
	o.cancel = nil
	if abandoned || runErr != nil {
		o.phase = PhaseIdle
		o.mu.Unlock()
		done = true
		report.Cancelled = true
		metrics.BatchTotal.WithLabelValues("cancelled").Inc()
		log.Info("batch abandoned, results discarded", "settled", len(outcomes), "total", len(tasks))
		return report, errors.ErrBatchCancelled
	}
	o.phase = PhaseMerging
	o.mu.Unlock()

	// Merging
	changes := o.state.ApplyOutcomes(outcomes)
	for i := range changes {
		changes[i].PromptText = opts.CustomInstruction
		if o.history != nil {
			o.history.Record(ctx, changes[i])
		}
	}

	for _, out := range outcomes {
		if out.Success {
			report.Succeeded++
		} else {
			report.Failed++
			log.Warn("section regeneration failed", "block_id", out.BlockID.String(), "attempts", out.Attempts, "error", out.ErrorMessage)
		}
	}
	report.Outcomes = outcomes
	report.Changes = changes
	metrics.BatchDuration.Observe(time.Since(start).Seconds())

	o.mu.Lock()
	o.phase = PhaseIdle
	o.targets, o.reference, o.includeRef = nil, nil, false
	o.mu.Unlock()
	done = true

	log.Info("batch finished", "succeeded", report.Succeeded, "total", report.Total)
	switch {
	case report.Succeeded == 0:
		metrics.BatchTotal.WithLabelValues("failed").Inc()
		return report, errors.ErrBatchFailed.WithDetail(report.Summary())
	case report.Failed > 0:
		metrics.BatchTotal.WithLabelValues("partial").Inc()
	default:
		metrics.BatchTotal.WithLabelValues("succeeded").Inc()
	}
	return report, nil
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseIdle && o.phase != PhaseSelecting {
		return errors.ErrBatchBusy
	}
	if len(o.targets) == 0 && (o.reference == nil || !o.includeRef) {
		return errors.ErrInvalidParam.WithDetail("no sections selected")
	}
	o.phase = PhaseSaving
	return nil
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// buildTasks 基于保存后的快照构建任务。参考区块的产物只解析一次，
// 被所有任务共享；参考区块自身如参与，排在最后。
func (o *Orchestrator) buildTasks(ctx context.Context, opts RunOptions) ([]entity.RegenerationTask, error) {
	targets, reference, include := o.Selection()

	snapshot := o.state.Snapshot()
	byID := make(map[entity.BlockID]entity.ContentBlock, len(snapshot))
	for _, b := range snapshot {
		byID[b.ID] = b
	}

	var refArtifact *entity.ContentRef
	if reference != nil {
		block, ok := byID[*reference]
		switch {
		case !ok:
			return nil, errors.ErrInvalidReference.WithDetail("reference section no longer exists")
		case !reference.IsDurable():
			return nil, errors.ErrNotPersisted.WithDetail("reference section is not saved")
		case !block.ContentRef.Valid():
			return nil, errors.ErrInvalidReference.WithDetail("reference section has no image")
		}
		refArtifact = block.ContentRef.Clone()
	} else if opts.Style.Kind == entity.StyleUseReference {
		return nil, errors.ErrInvalidReference.WithDetail("style uses a reference but none is designated")
	}

	mode := opts.Mode
	if mode == entity.ModeHeavy && !opts.AllowHeavy {
		logger.FromContext(ctx).Info("heavy mode not available, falling back to light")
		mode = entity.ModeLight
	}

	ordered := make([]entity.BlockID, 0, len(targets)+1)
	for _, id := range targets {
		if reference != nil && id == *reference {
			continue
		}
		ordered = append(ordered, id)
	}
	if reference != nil && include {
		ordered = append(ordered, *reference)
	}

	tasks := make([]entity.RegenerationTask, 0, len(ordered))
	for _, id := range ordered {
		block, ok := byID[id]
		if !ok {
			logger.FromContext(ctx).Warn("selected section disappeared before run", "block_id", id.String())
			continue
		}
		task := entity.NewRegenerationTask(block, opts.Style, mode, opts.Variant)
		task.ReferenceContentRef = refArtifact.Clone()
		task.CustomInstruction = opts.CustomInstruction
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil, errors.ErrInvalidParam.WithDetail("no sections selected")
	}
	return tasks, nil
}
