// Package document defines the document access collaborator and the
// single-flight transformation orchestrator built on top of it.
package document

import (
	"context"

	"github.com/patentdraft-ai/addin-core/internal/model"
)

// Access is the document collaborator exposed to the core by the host
// (Office.js in the add-in). All four operations are asynchronous,
// single-call, and potentially failing.
type Access interface {
	// GetDocumentContent returns the active document's text.
	GetDocumentContent(ctx context.Context) (string, error)

	// ApplyTransformation applies a plan produced by the agent service.
	ApplyTransformation(ctx context.Context, plan string) (*model.ApplyResult, error)

	// CreateBackup snapshots the document and returns a restore key.
	CreateBackup(ctx context.Context) (string, error)

	// RestoreFromBackup restores a previously created snapshot.
	RestoreFromBackup(ctx context.Context, backupKey string) error
}
