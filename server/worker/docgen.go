// Package worker contains the job processors invoked by the queue, one per
// job type, each targeting a single external integration.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

const DocumentGenerationName = "document_generation"

var docSummaryTmpl = template.Must(template.New("").Parse(
	`<h1>Tax credit documentation package</h1>
<p>Prepared for {{ .BusinessName }} (EIN {{ .EIN }}).</p>
<p>Estimated credit: ${{ printf "%.2f" .EstimatedCredit }} across {{ .QuarterCount }} qualifying quarters.</p>
<p>Generated {{ .GeneratedAt }}.</p>
`))

type docTemplateArgs struct {
	BusinessName    string
	EIN             string
	EstimatedCredit float64
	QuarterCount    int
	GeneratedAt     string
}

// DocumentStore stores a generated document and returns its location.
type DocumentStore interface {
	Put(ctx context.Context, name string, contents []byte) (url string, err error)
}

// DocumentGeneration renders a credit documentation package and stores it in
// the document storage integration.
type DocumentGeneration struct {
	Store DocumentStore
	Log   kitlog.Logger
}

func (d *DocumentGeneration) Name() string {
	return DocumentGenerationName
}

type DocumentGenerationArgs struct {
	SubmissionID    string  `json:"submission_id"`
	BusinessName    string  `json:"business_name"`
	EIN             string  `json:"ein"`
	EstimatedCredit float64 `json:"estimated_credit"`
	QuarterCount    int     `json:"quarter_count"`
}

func (d *DocumentGeneration) Process(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
	var args DocumentGenerationArgs
	if err := json.Unmarshal(def.Payload, &args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if args.SubmissionID == "" {
		return nil, fmt.Errorf("missing submission_id")
	}

	tmplArgs := docTemplateArgs{
		BusinessName:    args.BusinessName,
		EIN:             args.EIN,
		EstimatedCredit: args.EstimatedCredit,
		QuarterCount:    args.QuarterCount,
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	var buf bytes.Buffer
	if err := docSummaryTmpl.Execute(&buf, &tmplArgs); err != nil {
		return nil, fmt.Errorf("execute summary template: %w", err)
	}

	name := fmt.Sprintf("packages/%s/summary.html", args.SubmissionID)
	url, err := d.Store.Put(ctx, name, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}

	level.Debug(d.Log).Log(
		"msg", "generated documentation package",
		"submission_id", args.SubmissionID,
		"url", url,
	)

	result, err := json.Marshal(map[string]string{"document_url": url})
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return result, nil
}
