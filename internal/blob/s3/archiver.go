package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

// SettledLister is the slice of domain.MarketStore the archiver needs.
type SettledLister interface {
	ListSettled(ctx context.Context, from, to time.Time) ([]domain.Market, error)
}

// archiveRecord is one JSONL line: the market as stored plus its derived
// state, so the archive is readable without the lifecycle rules.
type archiveRecord struct {
	domain.Market
	State domain.LifecycleState `json:"state"`
}

// Archiver implements domain.Archiver by copying each day's settled markets
// to object storage as JSONL at settled/YYYY/MM/DD.jsonl.
//
// Records are never removed from the primary store; the archive is a copy.
type Archiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	markets SettledLister
	audit   domain.AuditStore
	logger  *slog.Logger
	now     func() time.Time
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. reader may be nil, in which case Run
// rewrites the whole backfill window every tick.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	markets SettledLister,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:  writer,
		reader:  reader,
		markets: markets,
		audit:   audit,
		logger:  logger.With(slog.String("component", "archiver")),
		now:     time.Now,
	}
}

// ArchiveSettled uploads the markets settled during the UTC day containing
// day and returns how many were written. An empty day uploads nothing.
func (a *Archiver) ArchiveSettled(ctx context.Context, day time.Time) (int, error) {
	from := startOfDay(day)
	to := from.Add(24 * time.Hour)

	markets, err := a.markets.ListSettled(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settled query: %w", err)
	}
	if len(markets) == 0 {
		return 0, nil
	}

	records := make([]archiveRecord, len(markets))
	for i, m := range markets {
		records[i] = archiveRecord{Market: m, State: m.State()}
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settled marshal: %w", err)
	}

	path := SettledPath(from)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive settled upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.settled", map[string]any{
			"path":  path,
			"count": len(markets),
			"day":   from.Format(time.DateOnly),
		}); err != nil {
			return len(markets), fmt.Errorf("s3blob: archive settled audit log: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "settled markets archived",
		slog.String("path", path),
		slog.Int("count", len(markets)),
	)
	return len(markets), nil
}

// ReadSettled loads an archived day back into market records.
func (a *Archiver) ReadSettled(ctx context.Context, day time.Time) ([]domain.Market, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: read settled: no reader configured")
	}
	path := SettledPath(day)
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read settled: %w", err)
	}
	defer body.Close()

	var out []domain.Market
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var m domain.Market
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("s3blob: read settled %s line %d: %w", path, len(out)+1, err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read settled %s: %w", path, err)
	}
	return out, nil
}

// backfillDays is how far back Run looks for days missing from the archive.
const backfillDays = 7

// Run archives every completed UTC day of the last week that has no archive
// object yet, once per interval until ctx is done.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.catchUp(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// catchUp archives missing days oldest first. Without a reader every day in
// the window is rewritten.
func (a *Archiver) catchUp(ctx context.Context) {
	today := startOfDay(a.now())
	from := today.AddDate(0, 0, -backfillDays)

	have, err := a.archivedSince(ctx, from, today)
	if err != nil {
		a.logger.WarnContext(ctx, "archive listing failed", slog.String("error", err.Error()))
		return
	}
	for day := from; day.Before(today); day = day.AddDate(0, 0, 1) {
		if _, ok := have[SettledPath(day)]; ok {
			continue
		}
		if _, err := a.ArchiveSettled(ctx, day); err != nil {
			a.logger.ErrorContext(ctx, "archive settled failed",
				slog.String("day", day.Format(time.DateOnly)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// archivedSince lists the archive objects of every month touching
// [from, to].
func (a *Archiver) archivedSince(ctx context.Context, from, to time.Time) (map[string]struct{}, error) {
	have := make(map[string]struct{})
	if a.reader == nil {
		return have, nil
	}
	for month := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC); !month.After(to); month = month.AddDate(0, 1, 0) {
		keys, err := a.reader.List(ctx, "settled/"+month.Format("2006/01/"))
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			have[k] = struct{}{}
		}
	}
	return have, nil
}

// SettledPath builds the object key for a day's archive:
//
//	settled/2025-01-31 -> settled/2025/01/31.jsonl
func SettledPath(day time.Time) string {
	return "settled/" + day.UTC().Format("2006/01/02") + ".jsonl"
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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
