package handler

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"landing-ai-api/internal/application/stream"
	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/internal/interfaces/http/dto"
	"landing-ai-api/pkg/logger"
)

// defaultStreamPoll 任务进度轮询间隔
const defaultStreamPoll = time.Second

// heartbeatEvery 连续多少次轮询无变化后发送一次注释帧
const heartbeatEvery = 15

// StreamHandler 任务进度流处理器
type StreamHandler struct {
	batch BatchService
	poll  time.Duration
}

// NewStreamHandler 创建进度流处理器
func NewStreamHandler(batch BatchService) *StreamHandler {
	return &StreamHandler{batch: batch, poll: defaultStreamPoll}
}

// StreamJob 以分帧事件流推送任务进度
// @Summary 任务进度流
// @Description 推送 progress 帧，任务结束时推送 complete 或 error 帧后关闭
// @Tags Jobs
// @Produce text/event-stream
// @Param jid path string true "任务 ID"
// @Success 200 "SSE stream"
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/jobs/{jid}/stream [get]
func (h *StreamHandler) StreamJob(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := dto.BindJobID(c)
	ctx = logger.WithContext(ctx, logger.JobIDKey, jobID)

	job, err := h.batch.Get(ctx, jobID)
	if err != nil {
		respondError(c, "failed to get job", err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(200)

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	last := entity.Progress{Completed: -1}
	idle := 0
	for {
		if job.Status.Terminal() {
			h.write(c, terminalEvent(job))
			return
		}
		if p := job.Progress(); p != last {
			last = p
			idle = 0
			h.write(c, stream.Event{Type: stream.EventProgress, Message: string(job.Status), Progress: &p})
		} else {
			idle++
			if idle%heartbeatEvery == 0 {
				_, _ = c.Writer.Write([]byte(": keep-alive\n\n"))
				c.Writer.Flush()
			}
		}

		select {
		case <-ctx.Done():
			logger.Debug(ctx, "job stream client disconnected")
			return
		case <-ticker.C:
		}

		job, err = h.batch.Get(ctx, jobID)
		if err != nil {
			logger.Warn(ctx, "job stream poll failed", "error", err)
			h.write(c, stream.Event{Type: stream.EventError, Error: "job unavailable"})
			return
		}
	}
}

func (h *StreamHandler) write(c *gin.Context, ev stream.Event) {
	frame, err := stream.Encode(ev)
	if err != nil {
		logger.Warn(c.Request.Context(), "failed to encode stream frame", "error", err)
		return
	}
	_, _ = c.Writer.Write(frame)
	c.Writer.Flush()
}

// terminalEvent 已结束任务对应的终帧
func terminalEvent(job *entity.BatchJob) stream.Event {
	p := job.Progress()
	switch job.Status {
	case entity.BatchStatusCompleted, entity.BatchStatusPartial:
		return stream.Event{
			Type:     stream.EventComplete,
			Message:  fmt.Sprintf("%s: %d succeeded, %d failed", job.Status, job.Succeeded, job.Failed),
			Progress: &p,
		}
	case entity.BatchStatusCancelled:
		return stream.Event{Type: stream.EventError, Error: "batch cancelled", Progress: &p}
	default:
		msg := job.ErrorMessage
		if msg == "" {
			msg = "batch failed"
		}
		return stream.Event{Type: stream.EventError, Error: msg, Progress: &p}
	}
}
