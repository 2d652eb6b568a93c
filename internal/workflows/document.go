package workflows

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"lawflow_backend/internal/clio"
	"lawflow_backend/internal/taskgen"
)

// HandleDocumentCreated runs the document workflow: when an uploaded
// document's name matches a pending generated task on the same matter,
// the upload is the deliverable and the task completes.
func (p *Processor) HandleDocumentCreated(ctx context.Context, d Delivery, documentID int64) (Outcome, error) {
	return p.process(ctx, d, func(ctx context.Context) (string, taskgen.Result, error) {
		doc, err := p.client.GetDocument(ctx, documentID)
		if errors.Is(err, clio.ErrNotFound) {
			return "document_gone", taskgen.Result{}, nil
		}
		if err != nil {
			return "fetch_failed", taskgen.Result{}, err
		}
		if doc.Matter == nil {
			return "no_matter", taskgen.Result{}, nil
		}

		pending, err := p.tasks.ListActiveByMatterSince(ctx, doc.Matter.ID, time.Time{})
		if err != nil {
			return "lookup_failed", taskgen.Result{}, err
		}

		name := documentBaseName(doc.Name)
		completed := 0
		for _, rec := range pending {
			if rec.Completed() || !strings.EqualFold(rec.Title, name) {
				continue
			}
			if _, err := p.client.UpdateTask(ctx, rec.ExternalID, clio.TaskParams{Status: "complete"}); err != nil {
				p.log.Error("document workflow: task complete failed", "externalId", rec.ExternalID, "error", err)
				continue
			}
			if err := p.tasks.MarkCompleted(ctx, rec.ExternalID); err != nil {
				p.log.Error("document workflow: mirror update failed", "externalId", rec.ExternalID, "error", err)
			}
			completed++
		}

		if completed == 0 {
			return "no_matching_task", taskgen.Result{}, nil
		}
		return "completed_by_document", taskgen.Result{Updated: completed}, nil
	})
}

// documentBaseName strips the extension so "Retainer Agreement.pdf"
// matches the task "Retainer Agreement".
func documentBaseName(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}
