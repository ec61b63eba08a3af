package handler

import (
	"github.com/gin-gonic/gin"
)

type RouterDeps struct {
	RPC  *RPCHandler
	Jobs *JobHandler
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.POST("/rpc", deps.RPC.Call)
	api.GET("/tools", deps.RPC.ListTools)

	api.POST("/ingest", deps.Jobs.Ingest)
	api.POST("/search", deps.Jobs.Search)
	api.GET("/jobs/:id", deps.Jobs.Get)
	api.POST("/jobs/:id/summary", deps.Jobs.Summary)
}
