// Package dispatch maps tool calls by name onto the application services.
// Every transport, json-rpc over http or mcp, goes through it.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/ai"
	"github.com/xxxsen/scrapeindex/internal/model"
	"github.com/xxxsen/scrapeindex/internal/pkg/errcode"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

type Ingester interface {
	IngestURL(ctx context.Context, rawURL, source string) (string, error)
}

type Searcher interface {
	Search(ctx context.Context, query string, filter model.JobFilter, topK int) ([]model.Job, error)
}

type JobReader interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	Summarize(ctx context.Context, id string) (*ai.ChatResult, error)
}

// RPCError is the only error shape that leaves the dispatcher.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func FromError(err error) *RPCError {
	if err == nil {
		return nil
	}
	code, msg := errcode.FromError(err)
	return &RPCError{Code: code, Message: msg}
}

type IngestURLParams struct {
	URL    string `json:"url"`
	Source string `json:"source"`
}

type IngestURLResult struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status,omitempty"`
}

type SearchJobsParams struct {
	Query    string   `json:"query"`
	TopK     int      `json:"top_k"`
	Source   string   `json:"source"`
	Language string   `json:"language"`
	Tags     []string `json:"tags"`
}

type SearchJobsResult struct {
	Jobs []model.Job `json:"jobs"`
}

type JobParams struct {
	JobID string `json:"job_id"`
}

type SummarizeJobResult struct {
	JobID   string         `json:"job_id"`
	Summary string         `json:"summary"`
	Usage   *ai.ChatResult `json:"usage"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

type Dispatcher struct {
	ingest   Ingester
	search   Searcher
	jobs     JobReader
	handlers map[string]handlerFunc
}

func New(ingest Ingester, search Searcher, jobs JobReader) *Dispatcher {
	d := &Dispatcher{ingest: ingest, search: search, jobs: jobs}
	d.handlers = map[string]handlerFunc{
		MethodIngestURL:    d.ingestURL,
		MethodSearchJobs:   d.searchJobs,
		MethodGetJob:       d.getJob,
		MethodSummarizeJob: d.summarizeJob,
		MethodListTools:    d.listTools,
	}
	return d
}

// Call runs method with its json params. Errors come back as {code, message}
// so callers never see raw internal errors.
func (d *Dispatcher) Call(ctx context.Context, method string, params json.RawMessage) (interface{}, *RPCError) {
	method = strings.TrimSpace(method)
	handler, ok := d.handlers[method]
	if !ok {
		return nil, &RPCError{Code: errcode.ErrMethodNotFound, Message: "method not found: " + method}
	}
	logger := logutil.GetLogger(ctx).With(zap.String("method", method))
	res, err := handler(ctx, params)
	if err != nil {
		rpcErr := FromError(err)
		logger.Warn("tool call failed", zap.Int("code", rpcErr.Code), zap.Error(err))
		return nil, rpcErr
	}
	logger.Debug("tool call done")
	return res, nil
}

func decode(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fmt.Errorf("%w: bad params: %v", appErr.ErrInvalid, err)
	}
	return nil
}

func (d *Dispatcher) ingestURL(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p IngestURLParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.URL) == "" {
		return nil, fmt.Errorf("%w: url is required", appErr.ErrInvalid)
	}
	id, err := d.ingest.IngestURL(ctx, p.URL, p.Source)
	if err != nil {
		return nil, err
	}
	res := &IngestURLResult{JobID: id}
	if job, err := d.jobs.Get(ctx, id); err == nil {
		res.Status = job.Status
	}
	return res, nil
}

func (d *Dispatcher) searchJobs(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p SearchJobsParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", appErr.ErrInvalid)
	}
	jobs, err := d.search.Search(ctx, p.Query, model.JobFilter{
		Source:   p.Source,
		Language: p.Language,
		Tags:     p.Tags,
	}, p.TopK)
	if err != nil {
		return nil, err
	}
	return &SearchJobsResult{Jobs: jobs}, nil
}

func (d *Dispatcher) jobID(raw json.RawMessage) (string, error) {
	var p JobParams
	if err := decode(raw, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.JobID) == "" {
		return "", fmt.Errorf("%w: job_id is required", appErr.ErrInvalid)
	}
	return p.JobID, nil
}

func (d *Dispatcher) getJob(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	id, err := d.jobID(raw)
	if err != nil {
		return nil, err
	}
	return d.jobs.Get(ctx, id)
}

func (d *Dispatcher) summarizeJob(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	id, err := d.jobID(raw)
	if err != nil {
		return nil, err
	}
	res, err := d.jobs.Summarize(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SummarizeJobResult{JobID: id, Summary: res.Content, Usage: res}, nil
}

func (d *Dispatcher) listTools(context.Context, json.RawMessage) (interface{}, error) {
	return &ListToolsResult{Tools: Tools()}, nil
}
