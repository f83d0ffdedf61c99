package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemPutAndRead(t *testing.T) {
	fs, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	path, err := fs.Put(ctx, "run-1/ocr/000001.png", strings.NewReader("png-bytes"), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "000001.png"))

	ok, err := fs.Exists(ctx, "run-1/ocr/000001.png")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := fs.GetReader(ctx, "run-1/ocr/000001.png")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	meta, err := fs.GetMetadata(ctx, "run-1/ocr/000001.png")
	require.NoError(t, err)
	assert.Equal(t, int64(9), meta.Size)
	assert.Equal(t, "image/png", meta.ContentType)
}

func TestFilesystemRejectsTraversal(t *testing.T) {
	fs, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Put(context.Background(), "../escape.txt", strings.NewReader("x"), nil)
	assert.Error(t, err)
	_, err = fs.GetReader(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}

func TestFilesystemResolve(t *testing.T) {
	base := t.TempDir()
	fs, err := NewFilesystemStorage(base)
	require.NoError(t, err)

	path, err := fs.Resolve("runs/a.jsonl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "runs", "a.jsonl"), path)

	path, err = fs.Resolve("/etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "etc", "passwd"), path)

	_, err = fs.Resolve("runs/../../outside")
	assert.Error(t, err)
}

func TestFilesystemMissing(t *testing.T) {
	fs, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)

	ok, err := fs.Exists(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPReader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/configs/pipeline.yaml" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("triggers: {}"))
	}))
	defer srv.Close()

	hr := NewHTTPReader(srv.URL + "/")
	ctx := context.Background()

	rc, err := hr.GetReader(ctx, "configs/pipeline.yaml")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "triggers: {}", string(data))

	ok, err := hr.Exists(ctx, srv.URL+"/configs/pipeline.yaml")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = hr.Exists(ctx, "missing.yaml")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewHTTPReader("").GetReader(ctx, "relative.yaml")
	assert.Error(t, err)
}
