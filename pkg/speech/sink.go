package speech

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alignify/alignify/pkg/coach"
)

// Utterance is a synthesized line ready for playback.
type Utterance struct {
	Kind   coach.EventKind
	Text   string
	Audio  []byte
	Format string
}

type SinkConfig struct {
	// QueueSize bounds lines waiting for synthesis. Zero uses 4.
	QueueSize int
	// Timeout bounds one synthesis call. Zero uses 10s.
	Timeout time.Duration
	Logger  *slog.Logger
}

type line struct {
	kind coach.EventKind
	text string
}

// Sink speaks announcements and corrections on its own goroutine. Lines that
// arrive while the queue is full are dropped.
type Sink struct {
	coach.NopSink

	synth   Synthesizer
	deliver func(Utterance)
	timeout time.Duration
	logger  *slog.Logger

	queue   chan line
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewSink(synth Synthesizer, deliver func(Utterance), cfg SinkConfig) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		synth:   synth,
		deliver: deliver,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		queue:   make(chan line, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sink) OnAnnouncement(text string) {
	s.enqueue(line{kind: coach.EventAnnouncement, text: text})
}

func (s *Sink) OnFeedback(fb coach.FeedbackEvent) {
	s.enqueue(line{kind: coach.EventFeedback, text: fb.Message})
}

func (s *Sink) enqueue(l line) {
	if s.ctx.Err() != nil || l.text == "" {
		return
	}
	select {
	case s.queue <- l:
	default:
		s.dropped.Add(1)
		s.logger.Debug("speech line dropped", "kind", string(l.kind), "text", l.text)
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case l := <-s.queue:
			s.speak(l)
		}
	}
}

func (s *Sink) speak(l line) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	syn, err := s.synth.Synthesize(ctx, l.text)
	if err != nil {
		if s.ctx.Err() == nil {
			s.failed.Add(1)
			s.logger.Warn("speech synthesis failed", "provider", s.synth.Name(), "error", err)
		}
		return
	}
	if s.deliver != nil && len(syn.Audio) > 0 {
		s.deliver(Utterance{Kind: l.kind, Text: l.text, Audio: syn.Audio, Format: syn.Format})
	}
}

func (s *Sink) Dropped() int64 { return s.dropped.Load() }
func (s *Sink) Failed() int64 { return s.failed.Load() }

// Close abandons pending lines, cancels any in-flight synthesis and waits
// for the worker to exit.
func (s *Sink) Close() {
	s.once.Do(s.cancel)
	s.wg.Wait()
}
