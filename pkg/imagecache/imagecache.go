// Package imagecache single-flights image downloads by URL, computes each
// download's SHA-256 hash while streaming it, and publishes it under that
// hash into a content-addressed cache directory by atomic rename. An
// expected hash, when given, only lets an already cached file be reused;
// a download whose hash differs from it is still published and returned,
// and comparing the two is left to the caller.
package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/vmmd-project/vmmd/pkg/actor"
	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/log"
	"github.com/vmmd-project/vmmd/pkg/progress"
	"github.com/vmmd-project/vmmd/pkg/taskgroup"
)

const downloadTimeout = 60 * time.Second

// Hash is a lowercase hex-encoded SHA-256 digest.
type Hash string

// Result is what a GetImageHash call resolves to.
type Result struct {
	Kind  ResultKind
	Hash  Hash
	Error error
}

// ResultKind distinguishes the outcomes GetImageHash can produce.
type ResultKind int

const (
	ImageCached ResultKind = iota
	DownloadNoContentLength
	DownloadFailed
	DownloadFailedToReadChunk
	DownloadCancelled
	UnknownError
)

type getImageHash struct {
	url          string
	expectedHash Hash
	response     chan Result
}

type downloadFinished struct {
	url    string
	result Result
}

type message struct {
	getImageHash     *getImageHash
	downloadFinished *downloadFinished
}

type timer struct {
	downloadTimeout *string // url
}

// Client is the handle callers use to ask the cache for an image.
type Client struct {
	inbox chan message
}

// GetImageHash resolves url to a cached, hash-verified image, downloading it
// first if necessary. If expectedHash is non-empty and already present in
// the cache directory, it resolves immediately without contacting the actor.
func (c *Client) GetImageHash(ctx context.Context, layout *layout.Layout, url string, expectedHash Hash) (Result, error) {
	if expectedHash != "" {
		path, err := layout.ImageCachePath(string(expectedHash))
		if err != nil {
			return Result{}, err
		}
		if _, err := os.Stat(path); err == nil {
			return Result{Kind: ImageCached, Hash: expectedHash}, nil
		}
	}

	response := make(chan Result, 1)
	msg := message{getImageHash: &getImageHash{url: url, expectedHash: expectedHash, response: response}}

	select {
	case c.inbox <- msg:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case result := <-response:
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type subscriber struct {
	expectedHash Hash
	response     chan Result
}

type download struct {
	id          uint64
	subscribers []subscriber
	timerKey    actor.TimerKey
	taskID      taskgroup.Id
	hash        Hash // set once the download finishes successfully
}

// Cache is the actor implementation backing Client.
type Cache struct {
	layout   *layout.Layout
	progress *progress.Router
	actor    *actor.Actor[message, timer, struct{}]
	inbox    chan message

	downloads      map[string]*download
	nextDownloadID uint64
}

// New builds a Cache and the Client used to talk to it. Run must be called
// (typically via Tasks().Spawn on an owning actor) to start processing.
func New(ctx context.Context, l *layout.Layout, router *progress.Router) (*Cache, Client) {
	inbox := make(chan message, 100)
	return &Cache{
		layout:    l,
		progress:  router,
		actor:     actor.New[message, timer, struct{}](ctx, inbox),
		inbox:     inbox,
		downloads: make(map[string]*download),
	}, Client{inbox: inbox}
}

// Run processes messages until the actor is shut down.
func (c *Cache) Run() {
	for {
		ev := c.actor.Update()
		switch ev.Kind {
		case actor.EventMessage:
			c.handleMessage(ev.Message)
		case actor.EventTimer:
			c.handleTimer(ev.Timer)
		case actor.EventStopped:
			return
		}
	}
}

func (c *Cache) handleMessage(msg message) {
	switch {
	case msg.getImageHash != nil:
		c.handleGetImageHash(*msg.getImageHash)
	case msg.downloadFinished != nil:
		c.handleDownloadFinished(*msg.downloadFinished)
	}
}

func (c *Cache) handleGetImageHash(req getImageHash) {
	if dl, ok := c.downloads[req.url]; ok {
		if dl.hash != "" {
			if req.expectedHash != "" && req.expectedHash == dl.hash {
				req.response <- Result{Kind: ImageCached, Hash: dl.hash}
				return
			}
			// No expected hash, or one that doesn't match the last
			// finished download: invalidate and fall through to start
			// a fresh one rather than short-circuiting on a stale entry.
			delete(c.downloads, req.url)
		} else {
			dl.subscribers = append(dl.subscribers, subscriber{expectedHash: req.expectedHash, response: req.response})
			return
		}
	}

	id := c.nextDownloadID
	c.nextDownloadID++

	url := req.url
	taskID := c.actor.Tasks().Spawn(func(ctx context.Context) struct{} {
		result := downloadAndHash(ctx, c.layout, c.progress, id, url)
		select {
		case c.inbox <- message{downloadFinished: &downloadFinished{url: url, result: result}}:
		case <-ctx.Done():
		}
		return struct{}{}
	})

	timerKey := c.actor.InsertTimer(timer{downloadTimeout: &url}, downloadTimeout)

	c.downloads[url] = &download{
		id:          id,
		subscribers: []subscriber{{expectedHash: req.expectedHash, response: req.response}},
		timerKey:    timerKey,
		taskID:      taskID,
	}
}

func (c *Cache) handleDownloadFinished(ev downloadFinished) {
	dl, ok := c.downloads[ev.url]
	if !ok {
		return
	}
	c.actor.RemoveTimer(dl.timerKey)

	for _, sub := range dl.subscribers {
		sub.response <- ev.result
	}
	dl.subscribers = nil

	if ev.result.Kind == ImageCached {
		dl.hash = ev.result.Hash
	} else {
		delete(c.downloads, ev.url)
	}
}

// handleTimer fires 60s after a download starts: it aborts the worker task
// and drops the entry. Pending subscribers get no response — a caller that
// hits this is expected to re-request, which spawns a fresh worker.
func (c *Cache) handleTimer(t timer) {
	if t.downloadTimeout == nil {
		return
	}
	url := *t.downloadTimeout
	if dl, ok := c.downloads[url]; ok {
		c.actor.Tasks().AbortTask(dl.taskID)
	}
	delete(c.downloads, url)
}

// downloadAndHash races the download to completion against ctx: whichever
// finishes first decides the outcome. Cancelling ctx also tears down the
// in-flight HTTP request, so the losing goroutine's work is abandoned
// without ever reaching the rename into the cache directory.
func downloadAndHash(ctx context.Context, l *layout.Layout, router *progress.Router, downloadID uint64, url string) Result {
	done := make(chan Result, 1)
	go func() { done <- doDownload(ctx, l, router, downloadID, url) }()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return Result{Kind: DownloadCancelled}
	}
}

func doDownload(ctx context.Context, l *layout.Layout, router *progress.Router, downloadID uint64, url string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Kind: UnknownError, Error: err}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{Kind: UnknownError, Error: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Kind: DownloadFailed, Error: fmt.Errorf("download %s: status %s", url, resp.Status)}
	}

	if resp.ContentLength < 0 {
		return Result{Kind: DownloadNoContentLength, Error: fmt.Errorf("download %s: missing Content-Length", url)}
	}

	downloadPath, err := l.ImageDownloadPath(downloadID)
	if err != nil {
		return Result{Kind: UnknownError, Error: err}
	}

	f, err := os.OpenFile(downloadPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{Kind: UnknownError, Error: fmt.Errorf("open download file: %w", err)}
	}
	defer f.Close()

	hasher := sha256.New()
	progressID := fmt.Sprintf("download/%d", downloadID)

	if router != nil {
		router.Send(progress.Message{Kind: progress.Start, Label: progressID, Total: uint64(resp.ContentLength)})
	}

	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			if _, err := f.Write(buf[:n]); err != nil {
				return Result{Kind: UnknownError, Error: fmt.Errorf("write chunk: %w", err)}
			}
			if router != nil {
				router.Send(progress.Message{Kind: progress.Update, Label: progressID, Done: uint64(n)})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Result{Kind: DownloadFailedToReadChunk, Error: readErr}
		}
	}

	if router != nil {
		router.Send(progress.Message{Kind: progress.Finish, Label: progressID})
	}

	hash := Hash(hex.EncodeToString(hasher.Sum(nil)))

	cachePath, err := l.ImageCachePath(string(hash))
	if err != nil {
		return Result{Kind: UnknownError, Error: err}
	}

	if ctx.Err() != nil {
		return Result{Kind: DownloadCancelled}
	}

	if err := os.Rename(downloadPath, cachePath); err != nil {
		return Result{Kind: UnknownError, Error: fmt.Errorf("publish image: %w", err)}
	}

	downloadLogger := log.WithDownload(downloadID)
	downloadLogger.Info().Str("hash", string(hash)).Msg("image cached")

	return Result{Kind: ImageCached, Hash: hash}
}
