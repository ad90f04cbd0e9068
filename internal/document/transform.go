package document

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/patentdraft-ai/addin-core/internal/agent"
	"github.com/patentdraft-ai/addin-core/internal/model"
	"github.com/patentdraft-ai/addin-core/pkg/logger"
	"github.com/patentdraft-ai/addin-core/pkg/metrics"
)

// ErrTransformInFlight is returned when a transformation is already running.
// Only one transformation may be in flight at a time.
var ErrTransformInFlight = errors.New("document: transformation already in flight")

// Transformer orchestrates a document transformation: backup, plan, apply,
// and restore on apply failure.
type Transformer struct {
	backend  agent.Service
	doc      Access
	logger   *logger.Logger
	inFlight atomic.Bool
}

// NewTransformer creates a transformation orchestrator.
func NewTransformer(backend agent.Service, doc Access, log *logger.Logger) *Transformer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Transformer{
		backend: backend,
		doc:     doc,
		logger:  log,
	}
}

// Transform runs one end-to-end transformation for the user request. The
// document is backed up before any change and restored if applying the plan
// fails.
func (t *Transformer) Transform(ctx context.Context, userRequest, sessionID string) (*model.ApplyResult, error) {
	if !t.inFlight.CompareAndSwap(false, true) {
		return nil, ErrTransformInFlight
	}
	defer t.inFlight.Store(false)

	text, err := t.doc.GetDocumentContent(ctx)
	if err != nil {
		metrics.TransformationsTotal.WithLabelValues("read_failed").Inc()
		return nil, fmt.Errorf("read document: %w", err)
	}

	backupKey, err := t.doc.CreateBackup(ctx)
	if err != nil {
		metrics.TransformationsTotal.WithLabelValues("backup_failed").Inc()
		return nil, fmt.Errorf("create backup: %w", err)
	}

	resp, err := t.backend.Transform(ctx, &model.TransformRequest{
		UserRequest:     userRequest,
		DocumentContent: model.DocumentContent{Text: text},
		SessionID:       sessionID,
	})
	if err != nil {
		metrics.TransformationsTotal.WithLabelValues("plan_failed").Inc()
		return nil, fmt.Errorf("request transformation plan: %w", err)
	}
	if !resp.Success || resp.Data == nil {
		metrics.TransformationsTotal.WithLabelValues("plan_rejected").Inc()
		if resp.Error != "" {
			return nil, fmt.Errorf("transformation plan rejected: %s", resp.Error)
		}
		return nil, fmt.Errorf("transformation plan rejected: %s", resp.Message)
	}

	result, err := t.doc.ApplyTransformation(ctx, resp.Data.Plan)
	if err != nil || !result.Success {
		// Best-effort rollback; the restore error is logged, not returned,
		// so the original apply failure stays visible.
		if restoreErr := t.doc.RestoreFromBackup(ctx, backupKey); restoreErr != nil {
			t.logger.Error("failed to restore document backup",
				"backup_key", backupKey,
				"error", restoreErr,
			)
		}
		metrics.TransformationsTotal.WithLabelValues("apply_failed").Inc()
		if err != nil {
			return nil, fmt.Errorf("apply transformation: %w", err)
		}
		return result, fmt.Errorf("apply transformation: %s", result.Message)
	}

	metrics.TransformationsTotal.WithLabelValues("success").Inc()
	t.logger.Info("document transformation applied",
		"changes_applied", result.ChangesApplied,
		"summary", resp.Data.Summary,
	)
	return result, nil
}
