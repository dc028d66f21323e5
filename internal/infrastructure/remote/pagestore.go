package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
)

// envelope 页面存储 API 的统一响应结构
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type blocksPayload struct {
	Blocks []entity.ContentBlock `json:"blocks"`
}

type restoreRequest struct {
	ArtifactID int64          `json:"artifact_id"`
	Variant    entity.Variant `json:"variant"`
}

type restoreResult struct {
	Success bool                 `json:"success"`
	Block   *entity.ContentBlock `json:"block"`
}

// PageStoreClient 页面存储 API 客户端，供编辑器会话使用
type PageStoreClient struct {
	*httpClient
}

// NewPageStoreClient 创建页面存储客户端
func NewPageStoreClient(baseURL, apiKey string, timeout time.Duration) *PageStoreClient {
	return &PageStoreClient{httpClient: newHTTPClient(baseURL, apiKey, timeout)}
}

// SaveBlocks 整页保存，返回同基数、同顺序的区块列表
func (c *PageStoreClient) SaveBlocks(ctx context.Context, pageID string, blocks []entity.ContentBlock) ([]entity.ContentBlock, error) {
	var resp envelope[blocksPayload]
	path := "/v1/pages/" + url.PathEscape(pageID) + "/blocks"
	if err := c.doJSON(ctx, http.MethodPut, path, blocksPayload{Blocks: blocks}, &resp); err != nil {
		return nil, err
	}
	if resp.Data.Blocks == nil {
		return nil, errors.New(errors.CodeTerminalRemote, "save response missing blocks")
	}
	return resp.Data.Blocks, nil
}

// FetchHistory 获取持久历史；404 表示区块尚未保存
func (c *PageStoreClient) FetchHistory(ctx context.Context, blockID int64) (*entity.DurableHistory, error) {
	var resp envelope[*entity.DurableHistory]
	path := fmt.Sprintf("/v1/blocks/%d/history", blockID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if se, ok := AsStatusError(err); ok && se.StatusCode == http.StatusNotFound {
			return nil, errors.ErrNotYetSaved.WithError(err)
		}
		return nil, err
	}
	if resp.Data == nil {
		return nil, errors.New(errors.CodeTerminalRemote, "history response missing data")
	}
	return resp.Data, nil
}

// Restore 请求服务端恢复历史产物，返回恢复后的当前产物
func (c *PageStoreClient) Restore(ctx context.Context, blockID int64, variant entity.Variant, artifactID int64) (*entity.ContentRef, error) {
	var resp envelope[restoreResult]
	path := fmt.Sprintf("/v1/blocks/%d/restore", blockID)
	req := restoreRequest{ArtifactID: artifactID, Variant: variant}
	if err := c.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		if se, ok := AsStatusError(err); ok && se.StatusCode == http.StatusNotFound {
			return nil, errors.ErrArtifactNotFound.WithError(err)
		}
		return nil, err
	}
	if !resp.Data.Success || resp.Data.Block == nil {
		return nil, errors.New(errors.CodeTerminalRemote, "restore was not acknowledged")
	}
	ref := resp.Data.Block.Ref(variant)
	if !ref.Valid() {
		return nil, errors.New(errors.CodeTerminalRemote, "restored block has no content for variant")
	}
	return ref.Clone(), nil
}

// AppendHistory 追加一条持久历史，只接受持久 ID
func (c *PageStoreClient) AppendHistory(ctx context.Context, entry entity.HistoryEntry) error {
	if !entry.BlockID.IsDurable() {
		return errors.ErrNotPersisted
	}
	var resp envelope[json.RawMessage]
	path := fmt.Sprintf("/v1/blocks/%d/history", entry.BlockID.Int64())
	if err := c.doJSON(ctx, http.MethodPost, path, entry, &resp); err != nil {
		if se, ok := AsStatusError(err); ok && se.StatusCode == http.StatusNotFound {
			return errors.ErrNotYetSaved.WithError(err)
		}
		return err
	}
	return nil
}
