package remote

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"landing-ai-api/internal/application/regen"
	"landing-ai-api/internal/application/stream"
	"landing-ai-api/internal/config"
	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
	"landing-ai-api/pkg/tracer"
)

// GenerationClient AI 生成服务客户端
type GenerationClient struct {
	*httpClient
	// streaming 不设整体超时的客户端，流式请求由 context 控制
	streaming      *http.Client
	regeneratePath string
	streamPath     string
	importPath     string
	cfg            config.GenerationConfig
}

// NewGenerationClient 创建生成服务客户端
func NewGenerationClient(cfg *config.GenerationConfig) *GenerationClient {
	c := &GenerationClient{
		httpClient:     newHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout),
		streaming:      &http.Client{},
		regeneratePath: cfg.RegeneratePath,
		streamPath:     cfg.StreamPath,
		importPath:     cfg.ImportPath,
		cfg:            *cfg,
	}
	if c.regeneratePath == "" {
		c.regeneratePath = "/v1/sections/regenerate"
	}
	if c.streamPath == "" {
		c.streamPath = "/v1/sections/regenerate/stream"
	}
	if c.importPath == "" {
		c.importPath = "/v1/sections/import"
	}
	return c
}

// regenerateResponse 同步重生成响应
type regenerateResponse struct {
	ID    int64  `json:"id"`
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// Regenerate 重生成单个区块。heavy 模式走流式接口，取 complete 帧的第一个产物。
func (c *GenerationClient) Regenerate(ctx context.Context, req regen.RegenerateRequest) (*entity.ContentRef, error) {
	if req.Mode == entity.ModeHeavy {
		return c.regenerateStream(ctx, req)
	}

	var resp regenerateResponse
	if err := c.doJSON(ctx, http.MethodPost, c.regeneratePath, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(errors.CodeTerminalRemote, resp.Error)
	}
	ref := &entity.ContentRef{ArtifactID: resp.ID, URL: resp.URL}
	if !ref.Valid() {
		return nil, errors.New(errors.CodeTerminalRemote, "regeneration response missing id or url")
	}
	return ref, nil
}

func (c *GenerationClient) regenerateStream(ctx context.Context, req regen.RegenerateRequest) (*entity.ContentRef, error) {
	complete, err := c.consume(ctx, c.streamPath, req, func(ev stream.Event) {
		if ev.Progress != nil {
			logger.Debug(ctx, "regeneration progress",
				"block_id", req.BlockID, "completed", ev.Progress.Completed, "total", ev.Progress.Total)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(complete.Media) == 0 {
		return nil, errors.New(errors.CodeTerminalRemote, "complete frame carried no media")
	}
	m := complete.Media[0]
	if req.TargetVariant == entity.VariantMobile {
		if ref := m.MobileRef(); ref != nil {
			return ref, nil
		}
	}
	return m.Ref(), nil
}

// ImportRequest 导入更多区块请求
type ImportRequest struct {
	PageID    string `json:"page_id"`
	SourceURL string `json:"source_url"`
	Count     int    `json:"count,omitempty"`
	Style     string `json:"style,omitempty"`
}

// ImportSections 导入更多区块，进度帧交给 onProgress，返回 complete 帧中的全部产物
func (c *GenerationClient) ImportSections(ctx context.Context, req ImportRequest, onProgress func(entity.Progress)) ([]stream.Media, error) {
	if req.SourceURL == "" {
		return nil, errors.ErrInvalidParam.WithDetail("source url is required")
	}
	complete, err := c.consume(ctx, c.importPath, req, func(ev stream.Event) {
		if ev.Progress != nil && onProgress != nil {
			onProgress(*ev.Progress)
		}
	})
	if err != nil {
		return nil, err
	}
	return complete.Media, nil
}

// consume 发起流式请求并解码到 complete 帧。
// 连接中断视为可重试，错误帧视为不可重试。
func (c *GenerationClient) consume(ctx context.Context, path string, body any, onProgress func(stream.Event)) (*stream.Event, error) {
	ctx, span := remoteTracer.Start(ctx, "remote.stream "+path)
	defer span.End()
	span.SetAttributes(attribute.String("http.path", path))

	if c.cfg.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.StreamTimeout)
		defer cancel()
	}

	resp, err := c.send(ctx, c.streaming, http.MethodPost, path, body, "text/event-stream")
	if err != nil {
		tracer.Fail(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	complete, err := stream.Consume(ctx, resp.Body, onProgress)
	if err != nil {
		tracer.Fail(span, err)
		if errors.HasCode(err, errors.CodeStreamNoComplete) {
			return nil, errors.Wrap(err, errors.CodeTransientRemote, "stream dropped before completion")
		}
		return nil, err
	}
	return complete, nil
}
