package handler

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/dispatch"
	"github.com/xxxsen/scrapeindex/internal/pkg/errcode"
	"github.com/xxxsen/scrapeindex/internal/pkg/response"
)

// callTool runs a dispatcher method and writes the standard envelope.
func callTool(c *gin.Context, d *dispatch.Dispatcher, method string, params interface{}) {
	raw, err := json.Marshal(params)
	if err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	res, rpcErr := d.Call(c.Request.Context(), method, raw)
	if rpcErr != nil {
		logutil.GetLogger(c.Request.Context()).Debug("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Int("code", rpcErr.Code),
			zap.String("message", rpcErr.Message),
		)
		response.Error(c, rpcErr.Code, rpcErr.Message)
		return
	}
	response.Success(c, res)
}
