package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alignify/alignify/pkg/pose"
)

// Sample is a frame with its offset from the start of a recording.
type Sample struct {
	Offset time.Duration
	Frame  pose.Frame
}

// replayLine is one JSONL record:
//
//	{"t": 1.25, "keypoints": {"LEFT_WRIST": [0.1, 0.2, 0.0], "11": {"x": 0.3, "y": 0.4}}}
//
// A missing or empty keypoints object is a frame without a detected pose.
type replayLine struct {
	T         float64        `json:"t"`
	Keypoints pose.Keypoints `json:"keypoints"`
}

type ReplayOptions struct {
	// Follow keeps reading as an external extractor appends to the file.
	Follow bool
	// PollInterval re-checks the file in follow mode when no change
	// notification arrives. Zero uses 250ms.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Replay reads timestamped frames from a JSONL recording.
type Replay struct {
	path    string
	f       *os.File
	r       *bufio.Reader
	partial []byte
	line    int

	follow  bool
	poll    time.Duration
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

func OpenReplay(path string, opts ReplayOptions) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	rp := &Replay{
		path:   path,
		f:      f,
		r:      bufio.NewReaderSize(f, 64*1024),
		follow: opts.Follow,
		poll:   opts.PollInterval,
		logger: opts.Logger,
	}
	if rp.poll <= 0 {
		rp.poll = 250 * time.Millisecond
	}
	if rp.logger == nil {
		rp.logger = slog.Default()
	}
	if opts.Follow {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("watch replay: %w", err)
		}
		if err := w.Add(path); err != nil {
			w.Close()
			f.Close()
			return nil, fmt.Errorf("watch replay %s: %w", path, err)
		}
		rp.watcher = w
	}
	return rp, nil
}

// NextSample returns the next well-formed record. It returns io.EOF at the
// end of the file, or in follow mode once the file is removed or renamed.
// Malformed lines are logged and skipped.
func (r *Replay) NextSample(ctx context.Context) (Sample, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Sample{}, err
		}
		chunk, err := r.r.ReadBytes('\n')
		r.partial = append(r.partial, chunk...)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if r.follow {
				if err := r.waitForWrite(ctx); err != nil {
					return Sample{}, err
				}
				continue
			}
			if len(bytes.TrimSpace(r.partial)) == 0 {
				return Sample{}, io.EOF
			}
		default:
			return Sample{}, fmt.Errorf("read replay: %w", err)
		}

		line := bytes.TrimSpace(r.partial)
		r.partial = r.partial[:0]
		r.line++
		if len(line) == 0 {
			continue
		}
		var rec replayLine
		if err := json.Unmarshal(line, &rec); err != nil {
			r.logger.Warn("skipping malformed replay line", "path", r.path, "line", r.line, "error", err)
			continue
		}
		return Sample{
			Offset: time.Duration(rec.T * float64(time.Second)),
			Frame:  pose.Detected(rec.Keypoints),
		}, nil
	}
}

func (r *Replay) waitForWrite(ctx context.Context) error {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev, ok := <-r.watcher.Events:
		if !ok {
			return io.EOF
		}
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			return io.EOF
		}
		return nil
	case err, ok := <-r.watcher.Errors:
		if !ok {
			return io.EOF
		}
		return fmt.Errorf("watch replay: %w", err)
	case <-timer.C:
		return nil
	}
}

func (r *Replay) Next(ctx context.Context) (pose.Frame, error) {
	s, err := r.NextSample(ctx)
	return s.Frame, err
}

func (r *Replay) Close() error {
	var werr error
	if r.watcher != nil {
		werr = r.watcher.Close()
	}
	return errors.Join(r.f.Close(), werr)
}
