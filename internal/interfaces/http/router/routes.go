package router

import (
	"github.com/gin-gonic/gin"
)

// RegisterV1Routes 注册 v1 版本路由
func RegisterV1Routes(v1 *gin.RouterGroup, h Handlers, regenLimit gin.HandlerFunc) {
	// 页面
	pages := v1.Group("/pages")
	{
		pages.GET("/:pid/blocks", h.Block.ListBlocks)
		pages.PUT("/:pid/blocks", h.Block.SaveBlocks)

		pages.POST("/:pid/regenerations", regenLimit, h.Job.SubmitRegeneration)
		pages.GET("/:pid/jobs", h.Job.ListPageJobs)
	}

	// 区块历史
	blocks := v1.Group("/blocks")
	{
		blocks.GET("/:bid/history", h.History.GetHistory)
		blocks.POST("/:bid/history", h.History.AppendHistory)
		blocks.POST("/:bid/restore", h.History.Restore)
	}

	// 批量任务
	jobs := v1.Group("/jobs")
	{
		jobs.GET("/:jid", h.Job.GetJob)
		jobs.DELETE("/:jid", h.Job.CancelJob)
		jobs.GET("/:jid/stream", h.Stream.StreamJob)
	}
}
