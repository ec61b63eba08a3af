package handler

import (
	"context"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/ai"
	"github.com/xxxsen/scrapeindex/internal/dispatch"
	"github.com/xxxsen/scrapeindex/internal/pkg/errcode"
	"github.com/xxxsen/scrapeindex/internal/pkg/response"
)

type SummaryStreamer interface {
	SummarizeStream(ctx context.Context, id string) (ai.ChatStream, error)
}

type JobHandler struct {
	dispatcher *dispatch.Dispatcher
	streamer   SummaryStreamer
}

func NewJobHandler(d *dispatch.Dispatcher, streamer SummaryStreamer) *JobHandler {
	return &JobHandler{dispatcher: d, streamer: streamer}
}

func (h *JobHandler) Ingest(c *gin.Context) {
	var req dispatch.IngestURLParams
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	callTool(c, h.dispatcher, dispatch.MethodIngestURL, req)
}

func (h *JobHandler) Search(c *gin.Context) {
	var req dispatch.SearchJobsParams
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	callTool(c, h.dispatcher, dispatch.MethodSearchJobs, req)
}

func (h *JobHandler) Get(c *gin.Context) {
	callTool(c, h.dispatcher, dispatch.MethodGetJob, dispatch.JobParams{JobID: c.Param("id")})
}

// Summary answers with the full summary, or with server sent events when
// stream=true: "delta" events, one "result" event, then "done".
func (h *JobHandler) Summary(c *gin.Context) {
	id := c.Param("id")
	stream, _ := strconv.ParseBool(c.Query("stream"))
	if !stream || h.streamer == nil {
		callTool(c, h.dispatcher, dispatch.MethodSummarizeJob, dispatch.JobParams{JobID: id})
		return
	}
	ctx := c.Request.Context()
	cs, err := h.streamer.SummarizeStream(ctx, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	defer cs.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	for {
		chunk, err := cs.Recv()
		if err == io.EOF {
			c.SSEvent("done", gin.H{})
			c.Writer.Flush()
			return
		}
		if err != nil {
			code, msg := errcode.FromError(err)
			logutil.GetLogger(ctx).Warn("summary stream failed", zap.String("job_id", id), zap.Error(err))
			c.SSEvent("error", gin.H{"code": code, "message": msg})
			c.Writer.Flush()
			return
		}
		if chunk.Result != nil {
			c.SSEvent("result", chunk.Result)
		} else {
			c.SSEvent("delta", gin.H{"text": chunk.Delta})
		}
		c.Writer.Flush()
	}
}
