package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/collab-sync/internal/types"
)

const testBucket = "collab-test"

// fakeS3 serves GetObject for a fixed set of keys and answers everything
// else with an S3 XML error.
type fakeS3 struct {
	objects map[string][]byte
	denied  bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")
	if f.denied {
		writeS3Error(w, http.StatusForbidden, "AccessDenied", key)
		return
	}
	body, ok := f.objects[key]
	if r.Method != http.MethodGet || !ok {
		writeS3Error(w, http.StatusNotFound, "NoSuchKey", key)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.Header().Set("ETag", `"0123456789abcdef"`)
	w.Header().Set("Last-Modified", time.Unix(0, 0).UTC().Format(http.TimeFormat))
	_, _ = w.Write(body)
}

func writeS3Error(w http.ResponseWriter, status int, code, key string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><Key>%s</Key><BucketName>%s</BucketName></Error>`,
		code, code, key, testBucket)
}

func newFakeObjectBackend(t *testing.T, fake *fakeS3) *ObjectBackend {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client, err := minio.New(u.Host, &minio.Options{
		Creds:      credentials.NewStaticV4("access", "secret", ""),
		Region:     "us-east-1",
		MaxRetries: 1,
	})
	require.NoError(t, err)
	return NewObjectBackend(client, testBucket)
}

func TestObjectBackendMissingKeyIsNotFound(t *testing.T) {
	backend := newFakeObjectBackend(t, &fakeS3{})

	_, err := backend.Fetch(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	gw := NewGateway(backend, time.Second, zerolog.Nop())
	assert.Nil(t, gw.Fetch(context.Background(), "missing"))
}

func TestObjectBackendFetchesStoredObject(t *testing.T) {
	backend := newFakeObjectBackend(t, &fakeS3{objects: map[string][]byte{
		"snapshots/doc-1.bin": []byte("snapshot"),
	}})

	got, err := backend.Fetch(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), got)
}

func TestObjectBackendOtherErrorsAreNotNotFound(t *testing.T) {
	backend := newFakeObjectBackend(t, &fakeS3{denied: true})

	_, err := backend.Fetch(context.Background(), "doc-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestObjectPath(t *testing.T) {
	assert.Equal(t, "snapshots/notes.bin", objectPath("notes"))
}

func TestObjectBackendRoundTrip(t *testing.T) {
	endpoint := strings.TrimSpace(os.Getenv("COLLAB_TEST_S3_ENDPOINT"))
	if endpoint == "" {
		t.Skip("set COLLAB_TEST_S3_ENDPOINT (with COLLAB_TEST_S3_ACCESS_KEY and COLLAB_TEST_S3_SECRET_KEY) to run object storage integration tests")
	}
	ctx := context.Background()
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(os.Getenv("COLLAB_TEST_S3_ACCESS_KEY"), os.Getenv("COLLAB_TEST_S3_SECRET_KEY"), ""),
	})
	require.NoError(t, err)

	backend := NewObjectBackend(client, testBucket)
	require.NoError(t, backend.EnsureBucket(ctx, "us-east-1"))

	docID := types.DocumentID(fmt.Sprintf("it-%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = client.RemoveObject(context.Background(), testBucket, objectPath(docID), minio.RemoveObjectOptions{})
	})

	_, err = backend.Fetch(ctx, docID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, backend.Store(ctx, docID, []byte("first")))
	require.NoError(t, backend.Store(ctx, docID, []byte("second")))

	got, err := backend.Fetch(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}
