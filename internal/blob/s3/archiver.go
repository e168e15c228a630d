package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/margind/internal/domain"
)

// AuditArchiveStore is the narrow read surface the archiver needs from the
// audit store.
type AuditArchiveStore interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// ArchiveImpl implements domain.Archiver by querying aged records, encoding
// them as JSONL, and uploading the result to the blob store.
//
// Deletion of archived rows from the primary store is intentionally not done
// here; that is a separate, explicit step after the archive is verified.
type ArchiveImpl struct {
	writer      domain.BlobWriter
	settlements domain.SettlementStore
	audit       AuditArchiveStore
	auditLog    domain.AuditStore
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, settlements domain.SettlementStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:      writer,
		settlements: settlements,
		audit:       audit,
		auditLog:    audit,
	}
}

// ArchiveSettlements exports all settlement records before the cutoff to
// archive/settlements/YYYY-MM.jsonl and records the export in the audit log.
// Returns the number of archived records.
func (a *ArchiveImpl) ArchiveSettlements(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.settlements.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements marshal: %w", err)
	}

	path := archivePath("settlements", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements upload: %w", err)
	}

	count := int64(len(records))
	if err := a.auditLog.Log(ctx, "archive.settlements", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive settlements audit log: %w", err)
	}
	return count, nil
}

// ArchiveAudit exports all audit entries before the cutoff to
// archive/audit/YYYY-MM.jsonl. Returns the number of archived entries.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))
	if err := a.auditLog.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}
	return count, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff.
//
//	archive/settlements/2026-03.jsonl
//	archive/audit/2026-03.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serializes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
