package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// multipartWriter is satisfied by *Writer. Large exports go through it.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// Archiver implements domain.Archiver. It serialises one UTC day of terminal
// transaction records or repayments to JSONL and uploads it to
// archive/<kind>/YYYY-MM-DD.jsonl. Rows stay in the primary store.
type Archiver struct {
	writer     domain.BlobWriter
	reader     domain.BlobReader
	txs        domain.TransactionStore
	repayments domain.RepaymentStore
	audit      domain.AuditStore
}

func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	txs domain.TransactionStore,
	repayments domain.RepaymentStore,
	audit domain.AuditStore,
) *Archiver {
	return &Archiver{writer: writer, reader: reader, txs: txs, repayments: repayments, audit: audit}
}

// txArchiveRow is the archived shape of a TransactionRecord.
type txArchiveRow struct {
	ID        string          `json:"id"`
	LoanID    string          `json:"loan_id,omitempty"`
	Account   string          `json:"account"`
	Type      domain.TxType   `json:"type"`
	Status    domain.TxStatus `json:"status"`
	Amount    string          `json:"amount,omitempty"`
	ChainID   int64           `json:"chain_id,omitempty"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Detail    map[string]any  `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type repaymentArchiveRow struct {
	ID                 int64     `json:"id"`
	Account            string    `json:"account"`
	Amount             string    `json:"amount"`
	Applied            string    `json:"applied"`
	NewOutstandingDebt string    `json:"new_outstanding_debt"`
	RemainingBalance   string    `json:"remaining_balance"`
	CreatedAt          time.Time `json:"created_at"`
}

// ArchiveTransactions exports terminal records last updated on day.
func (a *Archiver) ArchiveTransactions(ctx context.Context, day time.Time) (int64, error) {
	start, end := dayBounds(day)
	path := archivePath("transactions", start)
	if done, err := a.reader.Exists(ctx, path); err != nil || done {
		return 0, err
	}

	recs, err := a.txs.ListTerminalBefore(ctx, end)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions query: %w", err)
	}
	rows := make([]txArchiveRow, 0, len(recs))
	for _, r := range recs {
		if r.UpdatedAt.Before(start) {
			continue
		}
		rows = append(rows, txArchiveRow{
			ID:        r.ID,
			LoanID:    r.LoanID,
			Account:   r.Account.String(),
			Type:      r.Type,
			Status:    r.Status,
			Amount:    amountString(r.Amount),
			ChainID:   r.ChainID,
			TxHash:    r.TxHash,
			Detail:    r.Detail,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return upload(ctx, a, "transactions", path, start, rows)
}

// ArchiveRepayments exports repayments created on day.
func (a *Archiver) ArchiveRepayments(ctx context.Context, day time.Time) (int64, error) {
	start, end := dayBounds(day)
	path := archivePath("repayments", start)
	if done, err := a.reader.Exists(ctx, path); err != nil || done {
		return 0, err
	}

	reps, err := a.repayments.ListBefore(ctx, end)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive repayments query: %w", err)
	}
	rows := make([]repaymentArchiveRow, 0, len(reps))
	for _, r := range reps {
		if r.CreatedAt.Before(start) {
			continue
		}
		rows = append(rows, repaymentArchiveRow{
			ID:                 r.ID,
			Account:            r.Account.String(),
			Amount:             amountString(r.Amount),
			Applied:            amountString(r.Applied),
			NewOutstandingDebt: amountString(r.NewOutstandingDebt),
			RemainingBalance:   amountString(r.RemainingBalance),
			CreatedAt:          r.CreatedAt,
		})
	}
	return upload(ctx, a, "repayments", path, start, rows)
}

// upload writes rows as JSONL and records the export in the audit log. An
// empty day writes nothing, so a later run may still fill it.
func upload[T any](ctx context.Context, a *Archiver, kind, path string, day time.Time, rows []T) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	if mw, ok := a.writer.(multipartWriter); ok && int64(len(buf)) > minPartSize {
		err = mw.PutMultipart(ctx, path, bytes.NewReader(buf), jsonlContentType, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(rows))
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":  path,
		"count": count,
		"day":   day.Format(time.DateOnly),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// dayBounds returns [00:00, 24:00) UTC of the day containing t.
func dayBounds(t time.Time) (time.Time, time.Time) {
	start := t.UTC().Truncate(24 * time.Hour)
	return start, start.Add(24 * time.Hour)
}

// archivePath keys an export by kind and day, e.g.
// archive/transactions/2026-01-31.jsonl.
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.Format(time.DateOnly))
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
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

var _ domain.Archiver = (*Archiver)(nil)
