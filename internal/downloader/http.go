package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

const httpBufferSize = 32 << 10

// HTTPTask fetches one URL into a file over a single stream. A reopened task resumes
// with a range request from the end of the file.
type HTTPTask struct {
	url     string
	path    string
	client  *http.Client
	retries int
	limiter *rate.Limiter
	log     zerolog.Logger

	done  atomic.Int64
	total atomic.Int64

	mu       sync.Mutex
	cancel   context.CancelFunc
	finished chan struct{}
	state    State
	err      error
}

// NewHTTPTask downloads rawURL to path. Only the HTTP client, retry, download rate
// and logger settings of the options apply.
func NewHTTPTask(rawURL, path string, opts ...Option) *HTTPTask {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &HTTPTask{
		url:     rawURL,
		path:    path,
		client:  cfg.HTTPClient,
		retries: cfg.MaxRetries,
		limiter: cfg.DownloadLimiter,
		log:     cfg.Logger.With().Str("url", rawURL).Logger(),
	}
}

func (t *HTTPTask) Name() string { return filepath.Base(t.path) }

// Path is where the download is written.
func (t *HTTPTask) Path() string { return t.path }

func (t *HTTPTask) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.cancel != nil:
		return ErrAlreadyOpen
	case t.state == Complete:
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	finished := make(chan struct{})
	t.cancel, t.finished = cancel, finished
	t.state, t.err = Running, nil
	go func() {
		defer close(finished)
		t.run(ctx)
	}()
	return nil
}

func (t *HTTPTask) Poll() Status {
	t.mu.Lock()
	st := Status{State: t.state, BytesDone: t.done.Load(), BytesTotal: t.total.Load()}
	if t.err != nil {
		st.Err = &DownloadError{TaskName: t.Name(), Err: t.err}
	}
	t.mu.Unlock()
	return st
}

func (t *HTTPTask) Release() error {
	t.mu.Lock()
	cancel, finished := t.cancel, t.finished
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-finished

	t.mu.Lock()
	t.cancel = nil
	t.mu.Unlock()
	return nil
}

func (t *HTTPTask) finish(state State, err error) {
	t.mu.Lock()
	t.state, t.err = state, err
	t.mu.Unlock()
}

// run retries failed transfers with a growing backoff. Each attempt resumes where the
// last one stopped.
func (t *HTTPTask) run(ctx context.Context) {
	var lastErr error
	for attempt := 0; attempt < t.retries; attempt++ {
		err := t.fetch(ctx)
		if err == nil {
			t.log.Info().Str("size", humanize.Bytes(uint64(t.done.Load()))).Msg("download complete")
			t.finish(Complete, nil)
			return
		}
		if ctx.Err() != nil {
			t.finish(Paused, nil)
			return
		}
		lastErr = err
		var werr *WorkerError
		if errors.As(err, &werr) && werr.Phase == phaseRejected {
			break
		}

		if attempt < t.retries-1 {
			backoff := time.Duration(attempt+1) * 100 * time.Millisecond
			t.log.Debug().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("transfer failed, retrying")
			select {
			case <-ctx.Done():
				t.finish(Paused, nil)
				return
			case <-time.After(backoff):
			}
		}
	}
	t.log.Warn().Err(lastErr).Msg("download failed")
	t.finish(Failed, fmt.Errorf("failed after %d attempts: %w", t.retries, lastErr))
}

const (
	phaseFile     = "file"
	phaseRequest  = "request"
	phaseRejected = "rejected"
	phaseStatus   = "status"
	phaseBody     = "body"
)

func (t *HTTPTask) fetch(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return &WorkerError{Source: t.url, Phase: phaseFile, Err: err}
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &WorkerError{Source: t.url, Phase: phaseFile, Err: err}
	}
	defer f.Close()
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return &WorkerError{Source: t.url, Phase: phaseFile, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return &WorkerError{Source: t.url, Phase: phaseRejected, Err: err}
	}
	if off > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", off))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return &WorkerError{Source: t.url, Phase: phaseRequest, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// The server ignored the range; start over.
		if off > 0 {
			if err := f.Truncate(0); err != nil {
				return &WorkerError{Source: t.url, Phase: phaseFile, Err: err}
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return &WorkerError{Source: t.url, Phase: phaseFile, Err: err}
			}
			off = 0
		}
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && off > 0:
		// The file is already whole.
		t.done.Store(off)
		t.total.Store(off)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return &WorkerError{Source: t.url, Phase: phaseRejected, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	default:
		return &WorkerError{Source: t.url, Phase: phaseStatus, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var total int64
	if resp.ContentLength >= 0 {
		total = off + resp.ContentLength
	}
	t.done.Store(off)
	t.total.Store(total)

	buf := make([]byte, httpBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if t.limiter != nil {
				if err := t.limiter.WaitN(ctx, n); err != nil {
					return &WorkerError{Source: t.url, Phase: phaseBody, Err: err}
				}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return &WorkerError{Source: t.url, Phase: phaseFile, Err: err}
			}
			t.done.Add(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return &WorkerError{Source: t.url, Phase: phaseBody, Err: rerr}
		}
	}
	if total > 0 && t.done.Load() != total {
		return &WorkerError{Source: t.url, Phase: phaseBody, Err: io.ErrUnexpectedEOF}
	}
	return nil
}
