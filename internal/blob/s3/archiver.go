package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kmangutov/vordex/internal/domain"
)

const (
	archivePageSize = 500

	// Month files above multipartThreshold go through the upload manager.
	multipartThreshold = 16 << 20
	multipartPartSize  = 8 << 20
)

// PositionSource lists positions for archival.
type PositionSource interface {
	List(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error)
}

var _ domain.Archiver = (*Archiver)(nil)

// Archiver exports settled positions to the object store as JSONL, one file
// per settlement month:
//
//	archive/positions/2026-03.jsonl
//
// Each run rewrites the files it touches with every position settled in that
// month before the cutoff, so repeated runs converge on the same content.
// With a reader attached, records already in a month file whose positions the
// ledger no longer returns (e.g. after a memory backend restart) are kept.
// Positions are never removed from the ledger.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	positions PositionSource
	audit     domain.AuditStore
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, positions PositionSource, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, positions: positions, audit: audit}
}

// WithReader merges each run into the month files already stored.
func (a *Archiver) WithReader(r domain.BlobReader) *Archiver {
	a.reader = r
	return a
}

// ArchiveSettled uploads every exercised or expired position settled before
// the cutoff and returns how many were written.
func (a *Archiver) ArchiveSettled(ctx context.Context, before time.Time) (int64, error) {
	settled, err := a.collect(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(settled) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.Position)
	for _, p := range settled {
		month := p.SettledAt.UTC().Format("2006-01")
		byMonth[month] = append(byMonth[month], p)
	}
	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	var count int64
	for _, month := range months {
		recs := byMonth[month]
		path := archivePath("positions", month)
		merged, err := a.mergeExisting(ctx, path, recs)
		if err != nil {
			return count, err
		}
		buf, err := marshalJSONL(merged)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive marshal %s: %w", month, err)
		}
		if len(buf) > multipartThreshold {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), multipartPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
		}
		if err != nil {
			return count, fmt.Errorf("s3blob: archive upload %s: %w", path, err)
		}
		count += int64(len(recs))
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"months": months,
			"count":  count,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return count, nil
}

// collect pages through every terminal position settled before the cutoff.
func (a *Archiver) collect(ctx context.Context, before time.Time) ([]domain.Position, error) {
	var out []domain.Position
	for _, state := range []domain.PositionState{domain.PositionStateExercised, domain.PositionStateExpired} {
		for offset := 0; ; offset += archivePageSize {
			page, err := a.positions.List(ctx, domain.PositionFilter{
				State:         state,
				SettledBefore: &before,
				Limit:         archivePageSize,
				Offset:        offset,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, page...)
			if len(page) < archivePageSize {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// mergeExisting adds records from the stored month file that recs does not
// cover. The ledger copy wins for positions present in both.
func (a *Archiver) mergeExisting(ctx context.Context, path string, recs []domain.Position) ([]domain.Position, error) {
	if a.reader == nil {
		return recs, nil
	}
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive stat %s: %w", path, err)
	}
	if !exists {
		return recs, nil
	}
	body, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return recs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive read %s: %w", path, err)
	}
	defer body.Close()

	seen := make(map[domain.PositionID]bool, len(recs))
	for _, p := range recs {
		seen[p.ID] = true
	}
	out := append([]domain.Position(nil), recs...)

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var p domain.Position
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			return nil, fmt.Errorf("s3blob: archive decode %s: %w", path, err)
		}
		if !seen[p.ID] {
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: archive read %s: %w", path, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// archivePath builds the object path of one archive partition.
func archivePath(kind, month string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
}

// marshalJSONL serialises records as newline-delimited JSON.
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
