// Package batch 服务端批量重生成任务：入队、查询与 worker 侧执行
package batch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"landing-ai-api/internal/application/editor"
	"landing-ai-api/internal/application/history"
	"landing-ai-api/internal/application/regen"
	"landing-ai-api/internal/config"
	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/internal/domain/repository"
	"landing-ai-api/internal/infrastructure/messaging"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
)

// Pages 页面存储端口
type Pages interface {
	editor.PageStore
	history.DurableAppender
	ListBlocks(ctx context.Context, pageID string) ([]entity.ContentBlock, error)
}

// Publisher 任务投递端口
type Publisher interface {
	PublishBatchRegen(ctx context.Context, job *messaging.BatchRegenMessage) (string, error)
}

// Service 批量任务服务
type Service struct {
	jobs      repository.BatchJobRepository
	pages     Pages
	gen       regen.Regenerator
	publisher Publisher
	cfg       config.BatchConfig
	history   config.HistoryConfig
	clock     regen.Clock
}

// NewService 创建批量任务服务。API 侧 gen 可为 nil，worker 侧 publisher 可为 nil。
func NewService(
	jobs repository.BatchJobRepository,
	pages Pages,
	gen regen.Regenerator,
	publisher Publisher,
	cfg *config.Config,
) *Service {
	return &Service{
		jobs:      jobs,
		pages:     pages,
		gen:       gen,
		publisher: publisher,
		cfg:       cfg.Batch,
		history:   cfg.History,
		clock:     regen.RealClock(),
	}
}

// Submit 校验参数、创建任务并入队。相同幂等键返回已有任务。
func (s *Service) Submit(ctx context.Context, pageID string, params entity.BatchParams, idempotencyKey string) (*entity.BatchJob, error) {
	if _, err := uuid.Parse(pageID); err != nil {
		return nil, errors.ErrInvalidParam.WithDetail("page id must be a uuid")
	}
	if err := s.validate(&params); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		existing, err := s.jobs.GetByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to look up job")
		}
		if existing != nil {
			return existing, nil
		}
	}

	active, err := s.jobs.GetActiveByPage(ctx, pageID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to look up active job")
	}
	if active != nil {
		return nil, errors.ErrBatchBusy.WithDetail("job " + active.ID + " is still running")
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternalError, "failed to encode params")
	}
	job := entity.NewBatchJob(pageID, raw)
	job.ID = uuid.NewString()
	job.Total = countTasks(params)
	if idempotencyKey != "" {
		job.IdempotencyKey = &idempotencyKey
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.IsAppError(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to create job")
	}

	ctx = logger.WithContext(ctx, logger.JobIDKey, job.ID)
	if _, err := s.publisher.PublishBatchRegen(ctx, &messaging.BatchRegenMessage{JobID: job.ID, PageID: pageID}); err != nil {
		logger.Error(ctx, "failed to enqueue batch job", err)
		job.Fail("failed to enqueue job")
		if updErr := s.jobs.Update(ctx, job); updErr != nil {
			logger.Error(ctx, "failed to mark job failed", updErr)
		}
		return nil, errors.Wrap(err, errors.CodeServiceUnavailable, "failed to enqueue job")
	}

	logger.Info(ctx, "batch job enqueued", "page_id", pageID, "total", job.Total)
	return job, nil
}

func (s *Service) validate(p *entity.BatchParams) error {
	if len(p.Targets) == 0 && (p.Reference == nil || !p.IncludeReference) {
		return errors.ErrInvalidParam.WithDetail("no sections selected")
	}
	for _, id := range p.Targets {
		if !id.IsDurable() {
			return errors.ErrNotPersisted.WithDetail("section " + id.String() + " is not saved")
		}
	}
	if p.Reference != nil && !p.Reference.IsDurable() {
		return errors.ErrNotPersisted.WithDetail("reference section is not saved")
	}
	if err := p.Style.Validate(); err != nil {
		return errors.ErrInvalidParam.WithDetail(err.Error())
	}
	if p.Style.Kind == entity.StyleUseReference && p.Reference == nil {
		return errors.ErrInvalidReference.WithDetail("style uses a reference but none is designated")
	}
	if p.Variant == "" {
		p.Variant = entity.VariantDesktop
	}
	if !p.Variant.Valid() {
		return errors.ErrInvalidParam.WithDetail(fmt.Sprintf("unknown variant %q", p.Variant))
	}
	switch p.Mode {
	case "":
		p.Mode = entity.ModeLight
	case entity.ModeLight, entity.ModeHeavy:
	default:
		return errors.ErrInvalidParam.WithDetail(fmt.Sprintf("unknown mode %q", p.Mode))
	}
	// 计费能力由服务端配置决定
	p.AllowHeavy = s.cfg.AllowHeavy
	return nil
}

// countTasks 去重后的任务数，参考区块参与时计入
func countTasks(p entity.BatchParams) int {
	seen := make(map[entity.BlockID]struct{}, len(p.Targets)+1)
	for _, id := range p.Targets {
		if p.Reference != nil && id == *p.Reference {
			continue
		}
		seen[id] = struct{}{}
	}
	if p.Reference != nil && p.IncludeReference {
		seen[*p.Reference] = struct{}{}
	}
	return len(seen)
}

// Get 获取任务
func (s *Service) Get(ctx context.Context, jobID string) (*entity.BatchJob, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, errors.ErrJobNotFound
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to get job")
	}
	if job == nil {
		return nil, errors.ErrJobNotFound
	}
	return job, nil
}

// ListByPage 分页获取页面的批量任务
func (s *Service) ListByPage(ctx context.Context, pageID string, pagination repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error) {
	if _, err := uuid.Parse(pageID); err != nil {
		return nil, errors.ErrInvalidParam.WithDetail("page id must be a uuid")
	}
	result, err := s.jobs.ListByPage(ctx, pageID, pagination)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to list jobs")
	}
	return result, nil
}

// Cancel 请求取消任务。未开始的任务直接取消；执行中的任务进入 cancelling，
// 由 worker 在当前波次结束后丢弃结果并收尾。已结束的任务原样返回。
func (s *Service) Cancel(ctx context.Context, jobID string) (*entity.BatchJob, error) {
	for attempt := 0; attempt < 2; attempt++ {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}

		var expected entity.BatchStatus
		switch job.Status {
		case entity.BatchStatusPending:
			expected = entity.BatchStatusPending
			job.Cancel()
		case entity.BatchStatusRunning:
			expected = entity.BatchStatusRunning
			job.RequestCancel()
		default:
			return job, nil
		}

		ok, err := s.jobs.UpdateIfStatus(ctx, job, expected)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to cancel job")
		}
		if ok {
			logger.Info(ctx, "batch job cancel requested", "job_id", jobID, "status", job.Status)
			return job, nil
		}
		// worker 同时改变了状态，重读后再判断一次
	}
	return s.Get(ctx, jobID)
}

// Execute 在 worker 中执行任务。业务失败写入任务记录后返回 nil，
// 只有基础设施错误返回 error 以触发消息重投。
func (s *Service) Execute(ctx context.Context, jobID string) error {
	ctx = logger.WithContext(ctx, logger.JobIDKey, jobID)

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		logger.Warn(ctx, "batch job not found, dropping message")
		return nil
	}
	switch {
	case job.Status.Terminal():
		logger.Info(ctx, "batch job already finished", "status", job.Status)
		return nil
	case job.Status == entity.BatchStatusCancelling:
		return s.settleCancelled(ctx, job)
	}
	ctx = logger.WithContext(ctx, logger.PageIDKey, job.PageID)

	var params entity.BatchParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return s.fail(ctx, job, fmt.Errorf("invalid job params: %w", err))
	}

	blocks, err := s.pages.ListBlocks(ctx, job.PageID)
	if err != nil {
		return err
	}

	session := editor.NewSession(job.PageID, blocks, s.pages, s.gen, editor.SessionConfig{
		ConcurrencyLimit: s.cfg.ConcurrencyLimit,
		Runner:           regen.RunnerConfig{MaxAttempts: s.cfg.MaxAttempts, BackoffStep: s.cfg.BackoffStep},
		LocalHistory:     s.history.LocalCapacity,
		Clock:            s.clock,
		Appender:         s.pages,
	})
	defer session.Close()

	for _, id := range params.Targets {
		if _, ok := session.State.Block(id); !ok {
			logger.Warn(ctx, "selected section no longer on page", "block_id", id.String())
			continue
		}
		if _, err := session.Batch.Toggle(id); err != nil {
			return s.fail(ctx, job, err)
		}
	}
	if params.Reference != nil {
		if err := session.Batch.SetReference(params.Reference, params.IncludeReference); err != nil {
			return s.fail(ctx, job, err)
		}
	}

	// 重投的消息可能遇到 running 状态
	job.Start(countTasks(params))
	started, err := s.jobs.UpdateIfStatus(ctx, job, entity.BatchStatusPending, entity.BatchStatusRunning)
	if err != nil {
		return err
	}
	if !started {
		logger.Info(ctx, "batch job cancelled before start")
		return s.reloadAndSettle(ctx, job.ID)
	}

	report, runErr := session.Batch.Run(ctx, regen.RunOptions{
		Style:             params.Style,
		Mode:              params.Mode,
		Variant:           params.Variant,
		CustomInstruction: params.CustomInstruction,
		AllowHeavy:        params.AllowHeavy,
		OnProgress: func(p entity.Progress) {
			job.UpdateProgress(p)
			if err := s.jobs.UpdateProgress(ctx, job.ID, p); err != nil {
				logger.Warn(ctx, "failed to persist job progress", "error", err)
			}
			// 每个任务落定后检查一次，取消后不再启动新的波次
			if s.cancelRequested(ctx, job.ID) {
				session.Batch.Cancel()
			}
		},
		Abandon: func(ctx context.Context) bool {
			return s.cancelRequested(ctx, job.ID)
		},
	})

	switch {
	case runErr == nil, errors.HasCode(runErr, errors.CodeBatchFailed):
		if _, err := session.Save(ctx); err != nil {
			return s.fail(ctx, job, fmt.Errorf("failed to persist merged page: %w", err))
		}
		job.Finish(report.Succeeded, report.Failed)
		if runErr != nil {
			job.ErrorMessage = report.Summary()
		}
	case errors.HasCode(runErr, errors.CodeBatchCancelled):
		job.Cancel()
	default:
		return s.fail(ctx, job, runErr)
	}

	// 合并检查之后才到达的取消已无法撤回保存，按实际结果收尾
	ok, err := s.jobs.UpdateIfStatus(ctx, job, entity.BatchStatusRunning, entity.BatchStatusCancelling)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn(ctx, "batch job row changed by another writer", "status", job.Status)
		return nil
	}
	logger.Info(ctx, "batch job finished", "status", job.Status, "succeeded", job.Succeeded, "failed", job.Failed)
	return nil
}

func (s *Service) cancelRequested(ctx context.Context, jobID string) bool {
	current, err := s.jobs.GetByID(ctx, jobID)
	if err != nil || current == nil {
		return false
	}
	return current.Status == entity.BatchStatusCancelling
}

// reloadAndSettle 重读任务，取消中的任务收尾为 cancelled
func (s *Service) reloadAndSettle(ctx context.Context, jobID string) error {
	current, err := s.jobs.GetByID(ctx, jobID)
	if err != nil || current == nil {
		return err
	}
	if current.Status != entity.BatchStatusCancelling {
		return nil
	}
	return s.settleCancelled(ctx, current)
}

func (s *Service) settleCancelled(ctx context.Context, job *entity.BatchJob) error {
	job.Cancel()
	if _, err := s.jobs.UpdateIfStatus(ctx, job, entity.BatchStatusCancelling); err != nil {
		return err
	}
	logger.Info(ctx, "batch job cancelled")
	return nil
}

func (s *Service) fail(ctx context.Context, job *entity.BatchJob, cause error) error {
	logger.Error(ctx, "batch job failed", cause)
	job.Fail(cause.Error())
	_, err := s.jobs.UpdateIfStatus(ctx, job, entity.BatchStatusPending, entity.BatchStatusRunning, entity.BatchStatusCancelling)
	return err
}
