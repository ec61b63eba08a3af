// Package mcpserver exposes the dispatcher tools over the model context
// protocol, on stdio or streamable http.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/dispatch"
	"github.com/xxxsen/scrapeindex/internal/model"
)

const Version = "0.1.0"

type Server struct {
	dispatcher *dispatch.Dispatcher
	server     *mcp.Server
}

func New(d *dispatch.Dispatcher) (*Server, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	s := &Server{
		dispatcher: d,
		server:     mcp.NewServer(&mcp.Implementation{Name: "scrapeindex", Version: Version}, nil),
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()
	logutil.GetLogger(ctx).Info("mcp http server listening", zap.String("addr", addr))
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

type IngestURLInput struct {
	URL    string `json:"url" jsonschema:"absolute http or https url of the page to ingest"`
	Source string `json:"source,omitempty" jsonschema:"label stored with the job, usable as a search filter"`
}

type SearchJobsInput struct {
	Query    string   `json:"query" jsonschema:"natural language query"`
	TopK     int      `json:"top_k,omitempty" jsonschema:"maximum number of jobs to return (default 10)"`
	Source   string   `json:"source,omitempty" jsonschema:"only jobs with this source"`
	Language string   `json:"language,omitempty" jsonschema:"only jobs in this language"`
	Tags     []string `json:"tags,omitempty" jsonschema:"only jobs carrying every tag"`
}

type JobInput struct {
	JobID string `json:"job_id" jsonschema:"job id returned by ingest_url or search_jobs"`
}

func (s *Server) registerTools() {
	descriptions := map[string]string{}
	for _, tool := range dispatch.Tools() {
		descriptions[tool.Name] = tool.Description
	}
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        dispatch.MethodIngestURL,
		Description: descriptions[dispatch.MethodIngestURL],
	}, s.handleIngestURL)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        dispatch.MethodSearchJobs,
		Description: descriptions[dispatch.MethodSearchJobs],
	}, s.handleSearchJobs)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        dispatch.MethodGetJob,
		Description: descriptions[dispatch.MethodGetJob],
	}, s.handleGetJob)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        dispatch.MethodSummarizeJob,
		Description: descriptions[dispatch.MethodSummarizeJob],
	}, s.handleSummarizeJob)
}

func (s *Server) call(ctx context.Context, method string, input interface{}) (interface{}, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	res, rpcErr := s.dispatcher.Call(ctx, method, raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return res, nil
}

func (s *Server) handleIngestURL(ctx context.Context, _ *mcp.CallToolRequest, in IngestURLInput) (*mcp.CallToolResult, dispatch.IngestURLResult, error) {
	res, err := s.call(ctx, dispatch.MethodIngestURL, dispatch.IngestURLParams{URL: in.URL, Source: in.Source})
	if err != nil {
		return nil, dispatch.IngestURLResult{}, err
	}
	return nil, *res.(*dispatch.IngestURLResult), nil
}

func (s *Server) handleSearchJobs(ctx context.Context, _ *mcp.CallToolRequest, in SearchJobsInput) (*mcp.CallToolResult, dispatch.SearchJobsResult, error) {
	res, err := s.call(ctx, dispatch.MethodSearchJobs, dispatch.SearchJobsParams{
		Query:    in.Query,
		TopK:     in.TopK,
		Source:   in.Source,
		Language: in.Language,
		Tags:     in.Tags,
	})
	if err != nil {
		return nil, dispatch.SearchJobsResult{}, err
	}
	return nil, *res.(*dispatch.SearchJobsResult), nil
}

func (s *Server) handleGetJob(ctx context.Context, _ *mcp.CallToolRequest, in JobInput) (*mcp.CallToolResult, model.Job, error) {
	res, err := s.call(ctx, dispatch.MethodGetJob, dispatch.JobParams{JobID: in.JobID})
	if err != nil {
		return nil, model.Job{}, err
	}
	return nil, *res.(*model.Job), nil
}

func (s *Server) handleSummarizeJob(ctx context.Context, _ *mcp.CallToolRequest, in JobInput) (*mcp.CallToolResult, dispatch.SummarizeJobResult, error) {
	res, err := s.call(ctx, dispatch.MethodSummarizeJob, dispatch.JobParams{JobID: in.JobID})
	if err != nil {
		return nil, dispatch.SummarizeJobResult{}, err
	}
	return nil, *res.(*dispatch.SummarizeJobResult), nil
}
