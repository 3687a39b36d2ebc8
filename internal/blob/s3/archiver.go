package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	defaultBatchSize = 500
)

// LogSource is the part of the rule store the archiver reads.
type LogSource interface {
	ListLogsAfter(ctx context.Context, afterID int64, limit int) ([]domain.ExecutionLog, error)
}

// Checkpoint records the last archived log id.
type Checkpoint struct {
	LastID    int64     `json:"last_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

var _ domain.Archiver = (*LogArchiver)(nil)

// LogArchiver copies execution logs to object storage as JSONL, one object
// per batch, and keeps a checkpoint object next to them. Logs are never
// removed from the primary store.
type LogArchiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	logs      LogSource
	prefix    string
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewLogArchiver creates a LogArchiver writing under prefix.
func NewLogArchiver(writer domain.BlobWriter, reader domain.BlobReader, logs LogSource, prefix string, batchSize int, logger *slog.Logger) *LogArchiver {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "archive"
	}
	return &LogArchiver{
		writer:    writer,
		reader:    reader,
		logs:      logs,
		prefix:    prefix,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "log_archiver")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CheckpointPath is the key of the checkpoint object.
func (a *LogArchiver) CheckpointPath() string {
	return a.prefix + "/checkpoint.json"
}

// BatchPath is the key of the object holding logs first..last, partitioned
// by the month the first entry was written.
func (a *LogArchiver) BatchPath(first domain.ExecutionLog, lastID int64) string {
	return fmt.Sprintf("%s/logs/%s/%012d-%012d.jsonl",
		a.prefix, first.ExecutedAt.UTC().Format("2006-01"), first.ID, lastID)
}

// ArchiveLogs uploads every log written since the checkpoint and returns the
// number archived. The checkpoint advances after each uploaded batch, so a
// failed run resumes where it stopped.
func (a *LogArchiver) ArchiveLogs(ctx context.Context) (int64, error) {
	cp, err := a.LoadCheckpoint(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for {
		batch, err := a.logs.ListLogsAfter(ctx, cp.LastID, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: list logs after %d: %w", cp.LastID, err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: marshal logs: %w", err)
		}
		last := batch[len(batch)-1].ID
		path := a.BatchPath(batch[0], last)
		if err := a.upload(ctx, path, buf); err != nil {
			return total, err
		}

		cp = Checkpoint{LastID: last, UpdatedAt: a.now()}
		if err := a.saveCheckpoint(ctx, cp); err != nil {
			return total, err
		}
		total += int64(len(batch))
		a.logger.InfoContext(ctx, "archived log batch",
			slog.String("path", path),
			slog.Int("count", len(batch)),
			slog.Int64("last_id", last),
		)

		if len(batch) < a.batchSize {
			return total, nil
		}
	}
}

// Status summarises what has been archived so far.
type Status struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Batches    int        `json:"batches"`
	Bytes      int64      `json:"bytes"`
	Latest     string     `json:"latest,omitempty"`
}

// Status reads the checkpoint and lists the uploaded batch objects.
func (a *LogArchiver) Status(ctx context.Context) (Status, error) {
	cp, err := a.LoadCheckpoint(ctx)
	if err != nil {
		return Status{}, err
	}
	objs, err := a.reader.List(ctx, a.prefix+"/logs/")
	if err != nil {
		return Status{}, fmt.Errorf("s3blob: list batches: %w", err)
	}
	st := Status{Checkpoint: cp, Batches: len(objs)}
	for _, o := range objs {
		st.Bytes += o.Size
		// Month directories and zero-padded ids sort in write order.
		if o.Path > st.Latest {
			st.Latest = o.Path
		}
	}
	return st, nil
}

// largeWriter is implemented by writers with a multipart path.
type largeWriter interface {
	PutLarge(ctx context.Context, path string, data io.Reader, contentType string) error
}

func (a *LogArchiver) upload(ctx context.Context, path string, buf []byte) error {
	var err error
	if lw, ok := a.writer.(largeWriter); ok && int64(len(buf)) > minPartSize {
		err = lw.PutLarge(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return fmt.Errorf("s3blob: upload logs: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the checkpoint. A missing checkpoint is the zero
// value.
func (a *LogArchiver) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	body, err := a.reader.Get(ctx, a.CheckpointPath())
	if errors.Is(err, domain.ErrNotFound) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("s3blob: read checkpoint: %w", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("s3blob: read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("s3blob: decode checkpoint: %w", err)
	}
	return cp, nil
}

func (a *LogArchiver) saveCheckpoint(ctx context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("s3blob: encode checkpoint: %w", err)
	}
	if err := a.writer.Put(ctx, a.CheckpointPath(), bytes.NewReader(raw), "application/json"); err != nil {
		return fmt.Errorf("s3blob: write checkpoint: %w", err)
	}
	return nil
}

// marshalJSONL encodes records one compact JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
