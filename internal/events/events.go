// Package events publishes job status changes for downstream consumers.
// Delivery is best effort, a lost event never fails an ingestion.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/config"
	"github.com/xxxsen/scrapeindex/internal/model"
)

type JobEvent struct {
	JobID       string          `json:"job_id"`
	Fingerprint string          `json:"fingerprint"`
	Status      model.JobStatus `json:"status"`
	URL         string          `json:"url"`
	Source      string          `json:"source"`
	ChunkCount  int             `json:"chunk_count"`
	Error       string          `json:"error,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, ev JobEvent)
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, JobEvent) {}

func (NopPublisher) Close() error {
	return nil
}

type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("scrapeindex"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Subject returns <prefix>.job.<status in lower case>.
func Subject(prefix string, status model.JobStatus) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "scrapeindex"
	}
	return prefix + ".job." + strings.ToLower(string(status))
}

func (p *NATSPublisher) Publish(ctx context.Context, ev JobEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logutil.GetLogger(ctx).Warn("encode job event failed", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}
	subject := Subject(p.prefix, ev.Status)
	if err := p.conn.Publish(subject, data); err != nil {
		logutil.GetLogger(ctx).Warn("publish job event failed",
			zap.String("job_id", ev.JobID),
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

// New returns a NATS publisher when a url is configured and a no-op one
// otherwise.
func New(cfg config.EventsConfig) (Publisher, error) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		return NopPublisher{}, nil
	}
	return NewNATSPublisher(cfg.NATSURL, cfg.SubjectPrefix)
}

// Recorder keeps events in memory, handy for tests and for the one-shot
// ingest command which prints them.
type Recorder struct {
	ch chan JobEvent
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan JobEvent, size)}
}

func (r *Recorder) Publish(_ context.Context, ev JobEvent) {
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *Recorder) Events() []JobEvent {
	out := make([]JobEvent, 0, len(r.ch))
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (r *Recorder) Close() error {
	return nil
}
