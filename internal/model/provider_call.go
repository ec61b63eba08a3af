package model

// ProviderCall is one audited request against an llm provider.
type ProviderCall struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"`
	Operation    string `json:"operation"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
	LatencyMs    int64  `json:"latency_ms"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Ctime        int64  `json:"ctime"`
}
