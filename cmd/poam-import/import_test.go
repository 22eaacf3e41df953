package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/open-sspm/poam-import/internal/config"
	"github.com/open-sspm/poam-import/internal/pipeline"
	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/open-sspm/poam-import/internal/progress"
	"github.com/open-sspm/poam-import/internal/store"
	"github.com/open-sspm/poam-import/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeFindings(t *testing.T, name string) string {
	t.Helper()
	old := time.Now().UTC().AddDate(0, 0, -90).Format("2006-01-02")
	recent := time.Now().UTC().AddDate(0, 0, -3).Format("2006-01-02")

	doc := fmt.Sprintf(`{
  "scan": {"source": "nessus"},
  "findings": [
    {"id": "1", "title": "OpenSSL RCE", "host": "web-01", "severity": 4, "first_detected": %[1]q, "solution": "Upgrade OpenSSL", "patchable": true},
    {"id": "2", "title": "OpenSSL RCE", "host": "web-02", "severity": 4, "first_detected": %[1]q, "solution": "Upgrade OpenSSL", "patchable": true},
    {"id": "3", "title": "Weak TLS ciphers", "host": "db-01", "severity": "medium", "first_detected": %[1]q},
    {"id": "4", "title": "Weak TLS ciphers", "host": "db-02", "severity": "medium", "first_detected": %[2]q},
    {"id": "5", "title": "No timestamp", "host": "db-03", "severity": "low"}
  ]
}`, old, recent)

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestRunImport_MemoryStore(t *testing.T) {
	path := writeFindings(t, "nessus-weekly.json")
	var stdout, stderr bytes.Buffer

	err := runImport(context.Background(),
		config.Config{StoreMode: config.StoreModeMemory},
		importOptions{File: path, ScanType: "credentialed", JSON: true},
		importOutput{stdout: &stdout, stderr: &stderr},
		discardLogger(),
	)
	require.NoError(t, err)

	var result poam.CommitResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	assert.Equal(t, 5, result.Counts.Total)
	assert.Equal(t, 3, result.Counts.Eligible)
	assert.Equal(t, 2, result.Counts.Excluded)
	assert.Equal(t, 2, result.Counts.Committed)
	assert.True(t, strings.HasPrefix(result.ScanID, "scan-nessus-weekly-"), result.ScanID)
	require.Len(t, result.POAMs, 2)
	for _, p := range result.POAMs {
		assert.Equal(t, poam.StatusInProgress, p.Status, "first import is a baseline")
	}
	assert.Empty(t, stderr.String(), "non-interactive runs draw no progress")
}

func TestRunImport_TextSummaryAndScanIDFlag(t *testing.T) {
	path := writeFindings(t, "findings.json")
	var stdout bytes.Buffer

	err := runImport(context.Background(),
		config.Config{StoreMode: config.StoreModeMemory},
		importOptions{File: path, ScanID: "nessus-2026-10"},
		importOutput{stdout: &stdout, stderr: io.Discard},
		discardLogger(),
	)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "committed 2 POA&M items for scan nessus-2026-10")
	assert.Contains(t, stdout.String(), "findings: 5 total, 3 eligible, 2 excluded")
}

func TestRunImport_PublishesProgressToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	path := writeFindings(t, "qualys.json")
	var stdout bytes.Buffer

	err := runImport(context.Background(),
		config.Config{
			StoreMode:            config.StoreModeMemory,
			ProgressRedisURL:     "redis://" + mr.Addr(),
			ProgressRedisChannel: "test:progress",
			ProgressStepPercent:  10,
		},
		importOptions{File: path, JSON: true},
		importOutput{stdout: &stdout, stderr: io.Discard},
		discardLogger(),
	)
	require.NoError(t, err)

	var result poam.CommitResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))

	raw, err := mr.Get(progress.SnapshotKey(result.RunID))
	require.NoError(t, err)
	var last progress.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &last))
	assert.True(t, last.Done)
	assert.Equal(t, result.RunID, last.RunID)
}

func TestRunImport_Errors(t *testing.T) {
	cfg := config.Config{StoreMode: config.StoreModeMemory}
	out := importOutput{stdout: io.Discard, stderr: io.Discard}

	err := runImport(context.Background(), cfg, importOptions{File: filepath.Join(t.TempDir(), "missing.json")}, out, discardLogger())
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitCodeUsage, ee.code)

	path := writeFindings(t, "findings.json")
	err = runImport(context.Background(), cfg, importOptions{File: path, PolicyFile: filepath.Join(t.TempDir(), "nope.yaml")}, out, discardLogger())
	assert.ErrorContains(t, err, "read policy")

	cfg.ProgressRedisURL = "redis://127.0.0.1:1"
	err = runImport(context.Background(), cfg, importOptions{File: path}, out, discardLogger())
	assert.ErrorContains(t, err, "connect to redis")
}

func TestScanMetadata_FlagsOverrideFile(t *testing.T) {
	got := scanMetadata(
		poam.ScanMetadata{ScanID: "from-file", FileName: "f.json", Source: "nessus", ScanType: "agent"},
		importOptions{ScanID: " from-flag ", ScanType: "credentialed"},
	)
	assert.Equal(t, poam.ScanMetadata{ScanID: "from-flag", FileName: "f.json", Source: "nessus", ScanType: "credentialed"}, got)
}

func TestRenderProgress(t *testing.T) {
	events := make(chan pipeline.Event, 3)
	events <- pipeline.Event{OverallProgress: 0.5, Message: "grouping 3/6"}
	events <- pipeline.Event{OverallProgress: 1, Message: "committed", Done: true}
	events <- pipeline.Event{OverallProgress: 0.25, Message: "late"}
	close(events)

	var out bytes.Buffer
	renderProgress(&out, events, true)
	got := out.String()
	assert.Contains(t, got, "[############            ]  50% grouping 3/6")
	assert.True(t, strings.HasSuffix(got, "\n"))

	quiet := make(chan pipeline.Event, 1)
	quiet <- pipeline.Event{OverallProgress: 0.5}
	close(quiet)
	out.Reset()
	renderProgress(&out, quiet, false)
	assert.Empty(t, out.String())
}

func TestProgressBarBounds(t *testing.T) {
	assert.Equal(t, "[    ]", progressBar(-1, 4))
	assert.Equal(t, "[##  ]", progressBar(0.5, 4))
	assert.Equal(t, "[####]", progressBar(2, 4))
}

func TestShowRun(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	rec := poam.NewRunRecord("run-1", "scan-1", poam.ScanMetadata{Source: "nessus"}, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.CreateRun(ctx, rec))

	var out bytes.Buffer
	require.NoError(t, showRun(ctx, s, &out, " run-1 ", false))

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, "scan-1", got["scan_id"])
	assert.NotContains(t, got, "artifacts")

	err := showRun(ctx, s, io.Discard, "run-2", true)
	assert.ErrorContains(t, err, "run run-2 not found")
	assert.False(t, errors.Is(err, store.ErrNotFound))
}

func TestParseRunStatus(t *testing.T) {
	got, err := parseRunStatus(" Complete ")
	require.NoError(t, err)
	assert.Equal(t, poam.RunStatusComplete, got)

	got, err = parseRunStatus("")
	require.NoError(t, err)
	assert.Equal(t, poam.RunStatus(""), got)

	_, err = parseRunStatus("done")
	assert.Error(t, err)
}

func TestOpenReadStore_RejectsMemoryMode(t *testing.T) {
	t.Setenv("STORE_MODE", "memory")
	t.Setenv("DATABASE_URL", "")

	_, _, err := openReadStore(context.Background())
	assert.ErrorIs(t, err, errMemoryStoreReadOnly)
}
