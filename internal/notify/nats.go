// Package notify publishes alert run summaries to NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/klaasnotfound/vegeo-backend/internal/pipeline"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to the region slug of every summary subject.
const SubjectPrefix = "vegeo.alerts."

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// RegionSummary is the JSON payload published for a finished region.
type RegionSummary struct {
	RunID      string  `json:"runId"`
	Region     string  `json:"region"`
	Segments   int     `json:"segments"`
	Spots      int     `json:"spots"`
	Candidates int     `json:"candidates"`
	Alerts     int     `json:"alerts"`
	DurationMS int64   `json:"durationMs"`
	Error      *string `json:"error"`
}

// Publisher sends one RegionSummary per region.
type Publisher struct {
	conn  Conn
	close func()
}

// Connect dials the NATS server at url.
func Connect(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("vegeo-alerts"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Publisher{conn: nc, close: func() { _ = nc.Drain() }}, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Subject returns the subject summaries for region are published on.
func Subject(region string) string {
	return SubjectPrefix + Slug(region)
}

// Slug lowercases name and replaces every run of characters that are not
// letters or digits with a single dash.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// PublishRegion implements pipeline.Notifier.
func (p *Publisher) PublishRegion(_ context.Context, runID uuid.UUID, res pipeline.RegionResult) error {
	summary := RegionSummary{
		RunID:      runID.String(),
		Region:     res.Name,
		Segments:   res.Segments,
		Spots:      res.Spots,
		Candidates: res.Candidates,
		Alerts:     res.Alerts,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		msg := res.Err.Error()
		summary.Error = &msg
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return p.conn.Publish(Subject(res.Name), data)
}

// Close drains the connection if the publisher owns it.
func (p *Publisher) Close() {
	if p.close != nil {
		p.close()
	}
}
