package model

import "time"

// StructuredDocument is what the extractor produces for one url. The pipeline
// treats it as immutable.
type StructuredDocument struct {
	URL          string            `json:"url"`
	CanonicalURL string            `json:"canonical_url"`
	Title        string            `json:"title"`
	ContentText  string            `json:"content_text"`
	ContentHTML  string            `json:"content_html"`
	Language     string            `json:"language"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
	Tags         []string          `json:"tags"`
	Metadata     map[string]string `json:"metadata"`
}

// SourceURL prefers the canonical url.
func (d *StructuredDocument) SourceURL() string {
	if d.CanonicalURL != "" {
		return d.CanonicalURL
	}
	return d.URL
}
