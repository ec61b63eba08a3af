package dispatch

const (
	MethodIngestURL    = "ingest_url"
	MethodSearchJobs   = "search_jobs"
	MethodGetJob       = "get_job"
	MethodSummarizeJob = "summarize_job"
	MethodListTools    = "list_tools"
)

type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

func object(required []string, props map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

var jobIDSchema = object([]string{"job_id"}, map[string]interface{}{
	"job_id": str("Job id returned by ingest_url or search_jobs."),
})

// Tools describes every callable method except list_tools itself.
func Tools() []Tool {
	return []Tool{
		{
			Name:        MethodIngestURL,
			Description: "Fetch a web page, chunk and embed it, and index it for search. Returns the job id; ingesting the same content twice returns the same id.",
			InputSchema: object([]string{"url"}, map[string]interface{}{
				"url":    str("Absolute http or https url."),
				"source": str("Free form label stored with the job, usable as a search filter."),
			}),
		},
		{
			Name:        MethodSearchJobs,
			Description: "Semantic search over indexed pages. Returns jobs ordered by similarity.",
			InputSchema: object([]string{"query"}, map[string]interface{}{
				"query":    str("Natural language query."),
				"top_k":    map[string]interface{}{"type": "integer", "description": "Maximum number of jobs, default 10.", "minimum": 1, "maximum": 100},
				"source":   str("Only jobs with this source."),
				"language": str("Only jobs in this language."),
				"tags": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Only jobs carrying every tag.",
				},
			}),
		},
		{
			Name:        MethodGetJob,
			Description: "Return one job with its status and ordered chunks.",
			InputSchema: jobIDSchema,
		},
		{
			Name:        MethodSummarizeJob,
			Description: "Summarize the content of an indexed job with the configured chat model.",
			InputSchema: jobIDSchema,
		},
	}
}
