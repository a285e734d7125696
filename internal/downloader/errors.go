package downloader

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("downloader: no such task")
	ErrTooManyTasks   = errors.New("downloader: task limit reached")
	ErrAlreadyOpen    = errors.New("downloader: task already open")
	ErrUnknownTorrent = errors.New("downloader: no open torrent for info hash")
)

// DownloadError is the terminal failure of a task.
type DownloadError struct {
	TaskName    string
	PiecesDone  int
	PiecesTotal int
	Err         error
}

func (e *DownloadError) Error() string {
	if e.PiecesTotal > 0 {
		return fmt.Sprintf("download failed for '%s' at %d/%d pieces: %v",
			e.TaskName, e.PiecesDone, e.PiecesTotal, e.Err)
	}
	return fmt.Sprintf("download failed for '%s': %v", e.TaskName, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// WorkerError is one failed attempt of a single-stream transfer.
type WorkerError struct {
	Source string
	Phase  string
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("transfer from %s failed during %s: %v", e.Source, e.Phase, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// TimeoutError is returned by Manager.Wait when its context expires first.
type TimeoutError struct {
	Duration   time.Duration
	BytesTotal int64
	BytesDone  int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("download timeout after %v: only %d/%d bytes completed",
		e.Duration, e.BytesDone, e.BytesTotal)
}
