package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/scrapeindex/internal/ai"
	"github.com/xxxsen/scrapeindex/internal/model"
	"github.com/xxxsen/scrapeindex/internal/pkg/errcode"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

type fakeServices struct {
	ingestErr  error
	lastFilter model.JobFilter
	lastTopK   int
	jobs       map[string]*model.Job
}

func (f *fakeServices) IngestURL(_ context.Context, rawURL, source string) (string, error) {
	if f.ingestErr != nil {
		return "", f.ingestErr
	}
	f.jobs["job-1"] = &model.Job{ID: "job-1", URL: rawURL, Source: source, Status: model.JobStatusIndexed}
	return "job-1", nil
}

func (f *fakeServices) Search(_ context.Context, query string, filter model.JobFilter, topK int) ([]model.Job, error) {
	f.lastFilter = filter
	f.lastTopK = topK
	return []model.Job{{ID: "job-1", Score: 0.9}}, nil
}

func (f *fakeServices) Get(_ context.Context, id string) (*model.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return job, nil
}

func (f *fakeServices) Summarize(ctx context.Context, id string) (*ai.ChatResult, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return &ai.ChatResult{Content: "short", TotalTokens: 4}, nil
}

func newDispatcher() (*Dispatcher, *fakeServices) {
	f := &fakeServices{jobs: map[string]*model.Job{}}
	return New(f, f, f), f
}

func TestCallIngestURL(t *testing.T) {
	d, _ := newDispatcher()
	res, rpcErr := d.Call(context.Background(), MethodIngestURL, json.RawMessage(`{"url":"https://x.test","source":"s"}`))
	require.Nil(t, rpcErr)
	out := res.(*IngestURLResult)
	require.Equal(t, "job-1", out.JobID)
	require.Equal(t, model.JobStatusIndexed, out.Status)
}

func TestCallMapsErrors(t *testing.T) {
	d, f := newDispatcher()
	f.ingestErr = appErr.NewExtractionError("https://x.test", "http status 404", nil)
	_, rpcErr := d.Call(context.Background(), MethodIngestURL, json.RawMessage(`{"url":"https://x.test"}`))
	require.NotNil(t, rpcErr)
	require.Equal(t, errcode.ErrExtraction, rpcErr.Code)
	require.Equal(t, "extraction failed: http status 404", rpcErr.Message)

	f.ingestErr = errors.New("dial tcp 10.0.0.1: secret detail")
	_, rpcErr = d.Call(context.Background(), MethodIngestURL, json.RawMessage(`{"url":"https://x.test"}`))
	require.Equal(t, errcode.ErrInternal, rpcErr.Code)
	require.NotContains(t, rpcErr.Message, "secret")
}

func TestCallValidation(t *testing.T) {
	d, _ := newDispatcher()
	tests := []struct {
		method string
		params string
		code   int
	}{
		{MethodIngestURL, `{}`, errcode.ErrInvalid},
		{MethodIngestURL, `{"url":`, errcode.ErrInvalid},
		{MethodSearchJobs, `{"query":" "}`, errcode.ErrInvalid},
		{MethodGetJob, `{}`, errcode.ErrInvalid},
		{MethodGetJob, `{"job_id":"missing"}`, errcode.ErrNotFound},
		{MethodSummarizeJob, `{"job_id":"missing"}`, errcode.ErrNotFound},
		{"drop_tables", `{}`, errcode.ErrMethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+tt.params, func(t *testing.T) {
			_, rpcErr := d.Call(context.Background(), tt.method, json.RawMessage(tt.params))
			require.NotNil(t, rpcErr)
			require.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestCallSearchJobs(t *testing.T) {
	d, f := newDispatcher()
	res, rpcErr := d.Call(context.Background(), MethodSearchJobs,
		json.RawMessage(`{"query":"go","top_k":3,"language":"en","tags":["a"]}`))
	require.Nil(t, rpcErr)
	require.Len(t, res.(*SearchJobsResult).Jobs, 1)
	require.Equal(t, 3, f.lastTopK)
	require.Equal(t, model.JobFilter{Language: "en", Tags: []string{"a"}}, f.lastFilter)
}

func TestCallGetAndSummarize(t *testing.T) {
	d, _ := newDispatcher()
	_, rpcErr := d.Call(context.Background(), MethodIngestURL, json.RawMessage(`{"url":"https://x.test"}`))
	require.Nil(t, rpcErr)

	res, rpcErr := d.Call(context.Background(), MethodGetJob, json.RawMessage(`{"job_id":"job-1"}`))
	require.Nil(t, rpcErr)
	require.Equal(t, "https://x.test", res.(*model.Job).URL)

	res, rpcErr = d.Call(context.Background(), MethodSummarizeJob, json.RawMessage(`{"job_id":"job-1"}`))
	require.Nil(t, rpcErr)
	require.Equal(t, "short", res.(*SummarizeJobResult).Summary)
}

func TestListTools(t *testing.T) {
	d, _ := newDispatcher()
	res, rpcErr := d.Call(context.Background(), MethodListTools, nil)
	require.Nil(t, rpcErr)
	tools := res.(*ListToolsResult).Tools
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
		require.NotEmpty(t, tool.Description)
		require.Equal(t, "object", tool.InputSchema["type"])
	}
	require.Equal(t, []string{MethodIngestURL, MethodSearchJobs, MethodGetJob, MethodSummarizeJob}, names)
}
