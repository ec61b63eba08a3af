package model

type EmbeddingCache struct {
	Provider    string    `json:"provider"`
	ContentHash string    `json:"content_hash"`
	ModelName   string    `json:"model_name"`
	Dimension   int       `json:"dimension"`
	Embedding   []float32 `json:"embedding"`
	HitCount    int64     `json:"hit_count"`
	LastUsedAt  int64     `json:"last_used_at"`
	Ctime       int64     `json:"ctime"`
}
