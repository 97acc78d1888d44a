package archive

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquifer-io/aquifer/internal/ingestion"
)

// fakeS3 records PutObject calls made through the SDK's HTTP client.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
	status  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), headers: make(map[string]http.Header), status: http.StatusOK}
}

func (f *fakeS3) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != http.StatusOK {
		return &http.Response{
			StatusCode: f.status,
			Header:     http.Header{"Content-Type": {"application/xml"}},
			Body:       io.NopCloser(strings.NewReader(`<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)),
			Request:    req,
		}, nil
	}

	body, _ := io.ReadAll(req.Body)
	f.objects[req.URL.Path] = body
	f.headers[req.URL.Path] = req.Header.Clone()

	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"ETag": {`"etag"`}},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func newTestArchive(t *testing.T, fake *fakeS3) *S3Archive {
	t.Helper()

	cfg := &Config{
		Bucket:          "reports",
		Prefix:          "/ingestion-reports/",
		Region:          "us-east-1",
		Endpoint:        "https://s3.test.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET", // pragma: allowlist secret
	}

	archive, err := NewS3Archive(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithHTTPClient(fake))
	require.NoError(t, err)

	return archive
}

func sampleReport() *ingestion.Report {
	return &ingestion.Report{
		RunID:     "run-1",
		Kind:      ingestion.KindRainfall,
		StartedAt: time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC),
		Rejections: []ingestion.RowResult{
			{Row: 3, Reason: ingestion.ReasonReferential, Message: "unknown region_id \"X\""},
		},
	}
}

func TestArchive_PutsReportJSON(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fake := newFakeS3()
	archive := newTestArchive(t, fake)

	key, err := archive.Archive(context.Background(), sampleReport())
	require.NoError(t, err)
	assert.Equal(t, "ingestion-reports/rainfall/2024/05/01/run-1.json", key)

	body, ok := fake.objects["/reports/"+key]
	require.True(t, ok, "path-style request to bucket/key")

	var got ingestion.Report
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "run-1", got.RunID)
	require.Len(t, got.Rejections, 1)
	assert.Equal(t, 3, got.Rejections[0].Row)

	headers := fake.headers["/reports/"+key]
	assert.Equal(t, contentType, headers.Get("Content-Type"))
	assert.Equal(t, "1", headers.Get("X-Amz-Meta-Rejections"))
	assert.NotContains(t, headers.Get("Content-Encoding"), "aws-chunked")
	assert.Empty(t, headers.Get("X-Amz-Trailer"))
}

func TestArchive_Errors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fake := newFakeS3()
	fake.status = http.StatusForbidden
	archive := newTestArchive(t, fake)

	_, err := archive.Archive(context.Background(), sampleReport())
	require.Error(t, err)

	_, err = archive.Archive(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilReport)
}

func TestConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := LoadConfig()
	assert.False(t, cfg.Enabled())
	assert.Equal(t, defaultPrefix, cfg.Prefix)
	require.ErrorIs(t, cfg.Validate(), ErrBucketRequired)

	_, err := NewS3Archive(context.Background(), cfg, slog.Default())
	require.ErrorIs(t, err, ErrBucketRequired)

	t.Setenv("AQUIFER_ARCHIVE_BUCKET", "reports")
	t.Setenv("AQUIFER_ARCHIVE_PATH_STYLE", "true")

	cfg = LoadConfig()
	assert.True(t, cfg.Enabled())
	assert.True(t, cfg.PathStyle)
	require.NoError(t, cfg.Validate())
}
