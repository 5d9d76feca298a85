package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// multipartThreshold is the payload size above which a writer that supports
// multipart uploads is asked to use them.
const multipartThreshold = 16 * 1024 * 1024

// MultipartWriter is implemented by writers that can split large uploads.
type MultipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// Archiver writes purged terminal orders to object storage as JSONL, one
// file per purge run:
//
//	{prefix}/orders/2026/10/15/20261015T120000Z.jsonl
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	prefix string
	now    func() time.Time
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore, prefix string) *Archiver {
	return &Archiver{
		writer: writer,
		audit:  audit,
		prefix: strings.Trim(prefix, "/"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveOrders uploads orders and returns the object path. Nothing is
// written for an empty slice.
func (a *Archiver) ArchiveOrders(ctx context.Context, orders []domain.Order) (string, error) {
	if len(orders) == 0 {
		return "", nil
	}

	buf, err := marshalJSONL(orders)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}

	path := a.archivePath("orders", a.now())
	if mw, ok := a.writer.(MultipartWriter); ok && len(buf) > multipartThreshold {
		err = mw.PutMultipart(ctx, path, bytes.NewReader(buf), jsonlContentType, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive orders upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.orders", map[string]any{
			"path":  path,
			"count": len(orders),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive orders audit log: %w", err)
		}
	}
	return path, nil
}

func (a *Archiver) archivePath(kind string, at time.Time) string {
	name := fmt.Sprintf("%s/%s/%s.jsonl", kind, at.Format("2006/01/02"), at.Format("20060102T150405Z"))
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}

// marshalJSONL encodes each record as one compact JSON line.
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
