package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmmd-project/vmmd/pkg/layout"
)

func newTestCache(t *testing.T) (*Cache, Client, *layout.Layout) {
	t.Helper()
	root := t.TempDir()
	l := layout.New(filepath.Join(root, "config"))
	cache, client := New(context.Background(), l, nil)
	go cache.Run()
	return cache, client, l
}

func TestDownloadsAndCachesByHash(t *testing.T) {
	body := []byte("fake qcow2 image contents")
	sum := sha256.Sum256(body)
	wantHash := Hash(hex.EncodeToString(sum[:]))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	_, client, l := newTestCache(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.GetImageHash(ctx, l, srv.URL, "")
	require.NoError(t, err)
	require.Equal(t, ImageCached, result.Kind)
	require.Equal(t, wantHash, result.Hash)

	path, err := l.ImageCachePath(string(wantHash))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, body, data)
}

func TestExpectedHashAlreadyCachedSkipsDownload(t *testing.T) {
	_, client, l := newTestCache(t)

	body := []byte("precached bytes")
	sum := sha256.Sum256(body)
	hash := Hash(hex.EncodeToString(sum[:]))

	path, err := l.ImageCachePath(string(hash))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := client.GetImageHash(ctx, l, "http://unreachable.invalid/should-not-be-fetched", hash)
	require.NoError(t, err)
	require.Equal(t, ImageCached, result.Kind)
	require.Equal(t, hash, result.Hash)
}

func TestConcurrentRequestsCoalesceIntoOneDownload(t *testing.T) {
	var hits int
	body := []byte("shared image bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		time.Sleep(50 * time.Millisecond)
		w.Write(body)
	}))
	defer srv.Close()

	_, client, l := newTestCache(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			result, err := client.GetImageHash(ctx, l, srv.URL, "")
			require.NoError(t, err)
			results <- result
		}()
	}

	r1 := <-results
	r2 := <-results
	require.Equal(t, ImageCached, r1.Kind)
	require.Equal(t, r1.Hash, r2.Hash)
	require.Equal(t, 1, hits)
}

func TestDownloadFailureReportsNonCachedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, client, l := newTestCache(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.GetImageHash(ctx, l, srv.URL, "")
	require.NoError(t, err)
	require.Equal(t, DownloadFailed, result.Kind)
}

func TestCancelledDownloadPublishesNoFileAndRetrySucceeds(t *testing.T) {
	body := []byte("fake qcow2 image contents, long enough to stream in chunks")

	var requests int32
	block := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body[:4])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			<-block // hold the connection open until the test cancels
			return
		}
		w.Write(body)
	}))
	defer srv.Close()
	defer close(block)

	root := t.TempDir()
	l := layout.New(filepath.Join(root, "config"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result := downloadAndHash(ctx, l, nil, 1, srv.URL)
	require.Equal(t, DownloadCancelled, result.Kind)

	imagesDir, err := l.ImageCacheDir()
	require.NoError(t, err)
	entries, err := os.ReadDir(imagesDir)
	require.NoError(t, err)
	require.Empty(t, entries)

	sum := sha256.Sum256(body)
	wantHash := Hash(hex.EncodeToString(sum[:]))

	retry := downloadAndHash(context.Background(), l, nil, 2, srv.URL)
	require.Equal(t, ImageCached, retry.Kind)
	require.Equal(t, wantHash, retry.Hash)
}
