package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/coach"
	"github.com/alignify/alignify/pkg/coach/dispatch"
	"github.com/alignify/alignify/pkg/gateway/live/protocol"
	"github.com/alignify/alignify/pkg/gateway/live/sessions"
	"github.com/alignify/alignify/pkg/gateway/metrics"
	"github.com/alignify/alignify/pkg/source"
	"github.com/alignify/alignify/pkg/speech"
)

const outboundPriorityQueueSize = 8

var errBackpressure = errors.New("live outbound backpressure")

type Config struct {
	MaxJSONMessageBytes int64
	MaxKeypointFPS      int
	MaxKeypointBPS      int64
	InboundBurstSeconds int
	TickInterval        time.Duration
	FrameWait           time.Duration
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MaxSessionDuration  time.Duration
	OutboundQueueSize   int
	EventQueueSize      int
	PersistTimeout      time.Duration
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Hello     protocol.ClientHello
	SessionID string
	RequestID string

	RoutineName string
	Routine     coach.Config

	// Repository persists calibration captured in the session. Nil keeps
	// calibration in memory only.
	Repository calibration.Repository
	// Speech is nil unless the hello asked for speech and a provider is
	// configured.
	Speech  speech.Synthesizer
	Metrics *metrics.Metrics

	Config    Config
	StartTime time.Time
	Now       func() time.Time
}

// LiveSession drives one coaching session over a WebSocket. The read loop
// feeds keypoint frames into a single-slot mailbox; the coach loop ticks the
// state machine at a fixed rate and fans its events out to sinks.
type LiveSession struct {
	conn        *websocket.Conn
	logger      *slog.Logger
	hello       protocol.ClientHello
	sessionID   string
	requestID   string
	routineName string
	routine     coach.Config
	repo        calibration.Repository
	synth       speech.Synthesizer
	metrics     *metrics.Metrics
	cfg         Config
	startTime   time.Time
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	machine atomic.Pointer[coach.Machine]
	latest  *source.Latest
	cmds    chan coach.Command

	// speechGen advances on recalibrate and end_session so queued speech for
	// the abandoned flow is never played.
	speechGen atomic.Int64
	// slowConsumer is signalled when a frame the client cannot miss was
	// dropped for backpressure.
	slowConsumer chan struct{}
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if err := deps.Routine.Validate(); err != nil {
		return nil, fmt.Errorf("routine: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.EventQueueSize <= 0 {
		deps.Config.EventQueueSize = 64
	}
	if deps.Config.TickInterval <= 0 {
		deps.Config.TickInterval = 100 * time.Millisecond
	}
	if deps.Config.FrameWait <= 0 {
		deps.Config.FrameWait = deps.Config.TickInterval / 2
	}
	if deps.Config.PersistTimeout <= 0 {
		deps.Config.PersistTimeout = 5 * time.Second
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Hello.Mirrored != nil {
		deps.Routine.Mirrored = *deps.Hello.Mirrored
	}
	deps.Routine.ReuseCalibration = deps.Hello.ReuseCalibration

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID, "profile", deps.Hello.Profile),
		hello:            deps.Hello,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		routineName:      deps.RoutineName,
		routine:          deps.Routine,
		repo:             deps.Repository,
		synth:            deps.Speech,
		metrics:          deps.Metrics,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, max(1, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize))),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		latest:           source.NewLatest(deps.Config.FrameWait),
		cmds:             make(chan coach.Command, 4),
		slowConsumer:     make(chan struct{}, 1),
	}
	s.speechGen.Store(1)
	return s, nil
}

func (s *LiveSession) Run() (err error) {
	defer s.cancel()
	defer s.latest.Close()

	s.metrics.RecordLiveSessionStart()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordLiveSessionEnd(status, s.now().Sub(s.startTime))
	}()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
			isStale:  s.isSpeechStale,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() error {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	store := calibration.NewStore()
	if s.routine.ReuseCalibration {
		s.loadCalibration(store)
	}
	machine, err := coach.New(s.routine, store, coach.WithLogger(s.logger))
	if err != nil {
		_ = s.sendSessionError("bad_request", "invalid routine", true, nil)
		_ = flushAndClose()
		return err
	}
	s.machine.Store(machine)

	sinks := []coach.Sink{
		&wsSink{s: s},
		s.metrics.Sink(),
		&persistSink{s: s},
	}
	var speechSink *speech.Sink
	if s.synth != nil && s.hello.Speech {
		speechSink = speech.NewSink(s.synth, s.deliverSpeech, speech.SinkConfig{Logger: s.logger})
		sinks = append(sinks, speechSink)
	}
	events := dispatch.New(dispatch.Config{
		QueueSize: s.cfg.EventQueueSize,
		Logger:    s.logger,
		OnDrop:    s.metrics.RecordEventDropped,
	}, sinks...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.coachLoop(events)
	}()
	// The coach loop must stop publishing before the dispatcher closes, and
	// sinks drain before speech stops.
	defer func() {
		s.cancel()
		wg.Wait()
		events.Close()
		if speechSink != nil {
			speechSink.Close()
		}
	}()

	inboundLimiter := newInboundKeypointLimiter(s.now, s.cfg.MaxKeypointFPS, s.cfg.MaxKeypointBPS, s.cfg.InboundBurstSeconds)

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-writerErrCh:
			return err
		case <-s.slowConsumer:
			_ = s.sendSessionError("backpressure", "client is not reading session events", true, nil)
			return flushAndClose()
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				return nil
			}
			if frame.messageType != websocket.TextMessage {
				_ = s.sendSessionError("bad_request", "binary frames are not supported", true, nil)
				return flushAndClose()
			}
			if inboundLimiter != nil && !inboundLimiter.Allow(len(frame.data)) {
				s.metrics.RecordRateLimitHit("keypoints")
				details := map[string]any{
					"limit_fps":             s.cfg.MaxKeypointFPS,
					"limit_bps":             s.cfg.MaxKeypointBPS,
					"inbound_burst_seconds": s.cfg.InboundBurstSeconds,
				}
				_ = s.sendSessionError("rate_limited", "inbound keypoint rate limit exceeded", true, details)
				return flushAndClose()
			}
			msg, decErr := protocol.DecodeClientMessage(frame.data)
			if decErr != nil {
				code := "bad_request"
				var de *protocol.DecodeError
				if errors.As(decErr, &de) {
					code = de.Code
				}
				// A malformed keypoint frame is dropped; the tick falls back
				// to "no person" as if it never arrived.
				if code == "bad_request" && isKeypointsFrame(frame.data) {
					s.metrics.RecordKeypointFrame("rejected")
					s.logger.Debug("dropped malformed keypoints frame", "error", decErr)
					continue
				}
				if code == "unsupported" {
					if err := s.sendWarning(code, decErr.Error()); err != nil && !errors.Is(err, errBackpressure) {
						return err
					}
					continue
				}
				_ = s.sendSessionError(code, decErr.Error(), true, nil)
				return flushAndClose()
			}
			switch m := msg.(type) {
			case protocol.ClientKeypoints:
				if s.latest.Push(m.Frame()) {
					s.metrics.RecordKeypointFrame("replaced")
				} else {
					s.metrics.RecordKeypointFrame("accepted")
				}
			case protocol.ClientControl:
				select {
				case s.cmds <- m.Op:
				default:
					_ = s.sendWarning("busy", "too many pending control operations")
				}
			case protocol.ClientHello:
				_ = s.sendWarning("bad_request", "hello already received")
			}
		case <-sessionTimerCh():
			_ = s.sendWarning("session_timeout", "maximum session duration reached")
			return flushAndClose()
		}
	}
}

// coachLoop owns the state machine. Every tick it takes the freshest frame,
// or only advances the clock when none arrived within FrameWait, and
// publishes what the machine emits.
func (s *LiveSession) coachLoop(events *dispatch.Dispatcher) {
	machine := s.machine.Load()
	events.PublishAll(machine.Begin(s.now()))

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.cmds:
			evs, err := machine.Apply(s.now(), cmd)
			if err != nil {
				var ce *coach.CommandError
				if errors.As(err, &ce) {
					_ = s.sendWarning("invalid_command", ce.Error())
					continue
				}
				s.logger.Warn("control failed", "op", string(cmd), "error", err)
				continue
			}
			if cmd == coach.CommandRecalibrate || cmd == coach.CommandEndSession {
				s.speechGen.Add(1)
			}
			events.PublishAll(evs)
		case <-ticker.C:
			frame, ok, err := s.latest.Poll(s.ctx)
			if err != nil {
				return
			}
			// No frame within FrameWait is a clock-only tick, not a missing person.
			if !ok {
				events.PublishAll(machine.Advance(s.now()))
				continue
			}
			events.PublishAll(machine.Tick(s.now(), frame))
		}
	}
}

func (s *LiveSession) loadCalibration(store *calibration.Store) {
	if s.repo == nil {
		_ = s.sendWarning("calibration_not_found", "no saved calibration; calibrating")
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PersistTimeout)
	defer cancel()
	refs, err := s.repo.Load(ctx, s.hello.Profile)
	switch {
	case errors.Is(err, calibration.ErrNotFound):
		_ = s.sendWarning("calibration_not_found", "no saved calibration; calibrating")
		return
	case err != nil:
		s.metrics.RecordPersistenceFailure("load")
		s.logger.Warn("calibration load failed", "error", err)
		_ = s.sendWarning("persistence_failed", "saved calibration unavailable; calibrating")
		return
	}
	if err := store.Load(refs); err != nil {
		s.logger.Warn("saved calibration rejected", "error", err)
		_ = s.sendWarning("calibration_invalid", "saved calibration is invalid; calibrating")
	}
}

func (s *LiveSession) deliverSpeech(u speech.Utterance) {
	gen := s.speechGen.Load()
	payload, err := json.Marshal(speechFrame(u))
	if err != nil {
		return
	}
	if err := s.enqueueNormal(outboundFrame{speechGen: gen, payload: payload}); err != nil {
		s.metrics.RecordSpeech("dropped")
		return
	}
	s.metrics.RecordSpeech("delivered")
}

func (s *LiveSession) isSpeechStale(gen int64) bool {
	return gen < s.speechGen.Load()
}

func (s *LiveSession) sendWarning(code, message string) error {
	return s.sendJSON(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

func (s *LiveSession) sendSessionError(code, message string, close bool, details map[string]any) error {
	msg := protocol.ServerError{Type: "error", Scope: "session", Code: code, Message: message, Close: close, Details: details}
	if close {
		return s.sendJSONPriority(msg)
	}
	return s.sendJSON(msg)
}

func (s *LiveSession) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{payload: payload})
}

func (s *LiveSession) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{payload: payload})
}

func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	if frame.speechGen != 0 && s.isSpeechStale(frame.speechGen) {
		return nil
	}
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for range 4 {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LiveSession) signalSlowConsumer() {
	select {
	case s.slowConsumer <- struct{}{}:
	default:
	}
}

func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *LiveSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendWarning(code, message)
}

// Snapshot is safe to call from any goroutine.
func (s *LiveSession) Snapshot() sessions.Snapshot {
	snap := sessions.Snapshot{
		SessionID: s.sessionID,
		Profile:   s.hello.Profile,
		Routine:   s.routineName,
		StartedAt: s.startTime,
		Phase:     coach.PhaseWarmup.String(),
		PoseCount: len(s.routine.PoseSequence),
	}
	if len(s.routine.PoseSequence) > 0 {
		snap.PoseID = s.routine.PoseSequence[0]
	}
	machine := s.machine.Load()
	if machine == nil {
		return snap
	}
	st := machine.Snapshot()
	if st.PoseCount == 0 {
		return snap
	}
	snap.Phase = st.Phase.String()
	snap.PoseIndex = st.PoseIndex
	snap.PoseID = st.PoseID
	snap.PoseCount = st.PoseCount
	snap.Calibrated = st.Calibrated
	if st.LastFeedback != nil {
		snap.LastFeedback = st.LastFeedback.Message
	}
	return snap
}

func isKeypointsFrame(data []byte) bool {
	var envelope struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &envelope) == nil && envelope.Type == "keypoints"
}
