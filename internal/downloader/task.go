// Package downloader manages download tasks: torrent swarms and single-stream HTTP
// transfers behind one small interface.
package downloader

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Task is a download that can be opened, polled for progress and released. Release
// keeps what was downloaded; opening the task again resumes it.
type Task interface {
	Name() string
	Open(ctx context.Context) error
	Poll() Status
	Release() error
}

type State int

const (
	// Paused covers tasks that are not open, whether or not they ever were.
	Paused State = iota
	Running
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Paused:
		return "paused"
	case Running:
		return "running"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Status struct {
	State State
	// Err is the failure reason when State is Failed.
	Err        error
	BytesDone  int64
	BytesTotal int64
	Peers      int
}

func (s Status) String() string {
	progress := humanize.Bytes(uint64(s.BytesDone))
	if s.BytesTotal > 0 {
		progress += "/" + humanize.Bytes(uint64(s.BytesTotal))
	}
	switch s.State {
	case Failed:
		return fmt.Sprintf("failed(%v) %s", s.Err, progress)
	case Running:
		return fmt.Sprintf("running %s, %d peers", progress, s.Peers)
	}
	return s.State.String() + " " + progress
}

// Terminal reports whether the task will not change state on its own.
func (s Status) Terminal() bool {
	return s.State == Complete || s.State == Failed
}
