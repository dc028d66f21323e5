// Package remote 访问外部 HTTP 服务：AI 生成服务与页面存储 API
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
	"landing-ai-api/pkg/tracer"
)

var remoteTracer = otel.Tracer("remote")

// maxErrorBody 错误响应体的读取上限
const maxErrorBody = 4096

// StatusError 远端返回的非 2xx 响应
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote status %d: %s", e.StatusCode, e.Message)
}

// Transient 5xx 与 429 可重试，其余 4xx 不可重试
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// AsStatusError 从错误链中取出 StatusError
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// httpClient 带 base URL、鉴权头与追踪的 JSON 客户端
type httpClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func newHTTPClient(baseURL, apiKey string, timeout time.Duration) *httpClient {
	return &httpClient{
		// 流式请求的超时由调用方的 context 控制
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (c *httpClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if reqID, ok := ctx.Value(logger.RequestIDKey).(string); ok && reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// send 发送请求；非 2xx 响应转换为 StatusError 并关闭响应体
func (c *httpClient) send(ctx context.Context, client *http.Client, method, path string, body any, accept string) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		// 网络错误与超时按可重试处理
		return nil, errors.Wrap(err, errors.CodeTransientRemote, "request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}
	return resp, nil
}

// doJSON 发送 JSON 请求并把响应解码到 out
func (c *httpClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	ctx, span := remoteTracer.Start(ctx, "remote."+method+" "+path)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path))

	resp, err := c.send(ctx, c.http, method, path, body, "application/json")
	if err != nil {
		tracer.Fail(span, err)
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		tracer.Fail(span, err)
		return errors.Wrap(err, errors.CodeTerminalRemote, "unexpected response shape")
	}
	return nil
}

// readStatusError 解析错误响应体：{"error": "..."}、{"message": "..."} 或纯文本
func readStatusError(resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{StatusCode: resp.StatusCode}

	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		var text string
		var detail struct {
			Details string `json:"details"`
		}
		switch {
		case json.Unmarshal(payload.Error, &text) == nil && text != "":
			se.Message = text
		case json.Unmarshal(payload.Error, &detail) == nil && detail.Details != "":
			se.Message = detail.Details
		default:
			se.Message = payload.Message
		}
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(raw))
	}
	return se
}
