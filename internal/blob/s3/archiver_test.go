package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/store/memory"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.failOn != "" && strings.Contains(path, m.failOn) {
		return errors.New("upload refused")
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = raw
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func seedLogs(t *testing.T, store *memory.RuleStore, n int) {
	t.Helper()
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, err := store.AppendLog(context.Background(), domain.ExecutionLog{
			RuleID:     "rule-1",
			Owner:      "alice",
			Action:     "send",
			Success:    true,
			ExecutedAt: at.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func readJSONL(t *testing.T, raw []byte) []domain.ExecutionLog {
	t.Helper()
	var out []domain.ExecutionLog
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var l domain.ExecutionLog
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		out = append(out, l)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestArchiveLogsInBatches(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRuleStore()
	seedLogs(t, store, 5)
	blobs := newMemBlobs()
	a := NewLogArchiver(blobs, blobs, store, "/exec/", 2, slog.Default())

	n, err := a.ArchiveLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	objs, err := blobs.List(ctx, "exec/logs/")
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, "exec/logs/2026-03/000000000001-000000000002.jsonl", objs[0].Path)
	assert.Equal(t, "exec/logs/2026-03/000000000005-000000000005.jsonl", objs[2].Path)

	first := readJSONL(t, blobs.objects[objs[0].Path])
	require.Len(t, first, 2)
	assert.Equal(t, int64(1), first[0].ID)
	assert.Equal(t, "send", first[1].Action)

	cp, err := a.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cp.LastID)
}

func TestArchiveLogsResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRuleStore()
	seedLogs(t, store, 3)
	blobs := newMemBlobs()
	a := NewLogArchiver(blobs, blobs, store, "exec", 10, slog.Default())

	n, err := a.ArchiveLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = a.ArchiveLogs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	seedLogs(t, store, 2)
	n, err = a.ArchiveLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Batches)
	assert.Equal(t, int64(5), st.Checkpoint.LastID)
	assert.Equal(t, "exec/logs/2026-03/000000000004-000000000005.jsonl", st.Latest)
	assert.Positive(t, st.Bytes)
}

func TestArchiveLogsUploadFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRuleStore()
	seedLogs(t, store, 4)
	blobs := newMemBlobs()
	blobs.failOn = "000000000003-"
	a := NewLogArchiver(blobs, blobs, store, "exec", 2, slog.Default())

	n, err := a.ArchiveLogs(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(2), n)

	cp, err := a.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.LastID)

	blobs.failOn = ""
	n, err = a.ArchiveLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}
