package evidence

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseSink(t *testing.T, s Sink) {
	t.Helper()
	ctx := context.Background()
	data := []byte(`{"version":"forge.evidence/v1"}`)

	missing := Address([]byte("nothing"))
	ok, err := s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	addr, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Address(data), addr)
	assert.True(t, strings.HasPrefix(addr, "sha256:"))

	again, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	ok, err = s.Exists(ctx, addr)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = s.Get(ctx, "md5:abc")
	assert.Error(t, err)
	_, err = s.Exists(ctx, "sha256:zz")
	assert.Error(t, err)
}

func TestFileSink(t *testing.T) {
	s, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	exerciseSink(t, s)

	data := []byte("bundle")
	addr, err := s.Put(context.Background(), data)
	require.NoError(t, err)
	path, err := s.Path(addr)
	require.NoError(t, err)
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
	assert.True(t, strings.HasSuffix(path, ".json"))
}

// fakeS3 serves the path-style object calls the sink makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[key] = body
		f.puts++
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeS3Sink(t *testing.T) (*S3Sink, *fakeS3) {
	t.Helper()
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3Sink(context.Background(), S3SinkConfig{
		Bucket:          "evidence",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		Prefix:          "bundles/",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)
	return s, fake
}

func TestS3Sink(t *testing.T) {
	s, fake := newFakeS3Sink(t)
	exerciseSink(t, s)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.puts, "an existing object is not rewritten")
	for key := range fake.objects {
		assert.True(t, strings.HasPrefix(key, "evidence/bundles/"), key)
		assert.True(t, strings.HasSuffix(key, ".json"), key)
	}
}

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3SinkConfig{})
	assert.ErrorContains(t, err, "bucket is required")
}

func TestNewSink(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSink(context.Background(), SinkConfig{Dir: dir})
	require.NoError(t, err)
	fs, ok := s.(*FileSink)
	require.True(t, ok)
	assert.Equal(t, dir, fs.dir)

	_, err = NewSink(context.Background(), SinkConfig{Type: SinkTypeS3})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = NewSink(context.Background(), SinkConfig{Type: "tape"})
	assert.ErrorContains(t, err, "unsupported evidence sink type: tape")
}
