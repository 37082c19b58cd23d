package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/coach"
	"github.com/alignify/alignify/pkg/gateway/apierror"
	"github.com/alignify/alignify/pkg/gateway/config"
	"github.com/alignify/alignify/pkg/gateway/live/protocol"
	"github.com/alignify/alignify/pkg/gateway/live/session"
	"github.com/alignify/alignify/pkg/gateway/live/sessions"
	"github.com/alignify/alignify/pkg/gateway/metrics"
	"github.com/alignify/alignify/pkg/gateway/mw"
	"github.com/alignify/alignify/pkg/gateway/principal"
	"github.com/alignify/alignify/pkg/gateway/ratelimit"
	"github.com/alignify/alignify/pkg/routine"
	"github.com/alignify/alignify/pkg/speech"
)

// LiveHandler upgrades /v1/live to a coaching session. The first frame must
// be a hello naming the calibration profile; the session is refused while
// the gateway drains or when the profile is already being coached.
type LiveHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	LiveSessions *sessions.Tracker
	Metrics      *metrics.Metrics

	Routines   *routine.Catalog
	Repository calibration.Repository
	// Speech is nil when no speech provider is configured; hellos asking
	// for speech then get a warning and a silent session.
	Speech speech.Synthesizer
}

// refusal ends a handshake with a session-scoped error frame.
type refusal struct {
	code    string
	message string
	details map[string]any
}

func (r *refusal) Error() string { return r.code + ": " + r.message }

func refuse(code, message string, details map[string]any) *refusal {
	return &refusal{code: code, message: message, details: details}
}

// admitted is what a successful handshake resolved.
type admitted struct {
	hello       protocol.ClientHello
	principal   principal.Principal
	routineName string
	routine     coach.Config
	slot        *ratelimit.Slot
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		methodNotAllowed(w, reqID, http.MethodGet)
		return
	}
	if h.LiveSessions.Draining() {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrOverloaded, Message: "gateway is draining", Code: "draining"}, 529)
		return
	}
	if !h.originAllowed(r) {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	adm, err := h.handshake(r, conn)
	if err != nil {
		var rf *refusal
		if !errors.As(err, &rf) {
			rf = refuse("bad_request", "failed to read hello", nil)
		}
		h.writeRefusal(conn, rf)
		return
	}
	defer adm.slot.Release()

	h.run(conn, r, reqID, adm)
}

// handshake reads the hello, authenticates it and claims a session slot.
func (h LiveHandler) handshake(r *http.Request, conn *websocket.Conn) (*admitted, error) {
	timeout := h.Config.LiveHandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	kind, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.TextMessage {
		return nil, refuse("bad_request", "first frame must be hello", nil)
	}
	msg, err := protocol.DecodeClientMessage(frame)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) && de.Param != "" {
			return nil, refuse("bad_request", de.Error(), map[string]any{"param": de.Param})
		}
		return nil, refuse("bad_request", "invalid hello frame", nil)
	}
	hello, ok := msg.(protocol.ClientHello)
	if !ok {
		return nil, refuse("bad_request", "first frame must be hello", nil)
	}
	if strings.TrimSpace(hello.ProtocolVersion) != protocol.ProtocolVersion1 {
		return nil, refuse("unsupported_version", "unsupported protocol_version", nil)
	}

	p, err := principal.Authenticate(r, helloAPIKey(r, hello), h.Config)
	if err != nil {
		return nil, refuse("unauthorized", err.Error(), nil)
	}

	adm := &admitted{hello: hello, principal: p, routineName: hello.Routine}
	if adm.routineName == "" {
		adm.routineName = routine.DefaultName
	}
	if h.Routines == nil {
		return nil, refuse("internal", "no routines configured", nil)
	}
	if adm.routine, err = h.Routines.Get(adm.routineName); err != nil {
		return nil, refuse("not_found", "unknown routine", map[string]any{"param": "routine", "routine": adm.routineName})
	}

	if h.Limiter != nil {
		slot, err := h.Limiter.AdmitSession(p.Key, hello.Profile, time.Now())
		if err != nil {
			return nil, h.sessionRefusal(err, hello.Profile)
		}
		adm.slot = slot
	}
	return adm, nil
}

func (h LiveHandler) sessionRefusal(err error, profile string) *refusal {
	switch {
	case errors.Is(err, ratelimit.ErrGatewayFull):
		h.Metrics.RecordRateLimitHit("sessions_global")
		return refuse("overloaded", err.Error(), nil)
	case errors.Is(err, ratelimit.ErrProfileBusy):
		h.Metrics.RecordRateLimitHit("profile")
		return refuse("profile_busy", err.Error(), map[string]any{"param": "profile", "profile": profile})
	default:
		h.Metrics.RecordRateLimitHit("sessions")
		return refuse("rate_limited", err.Error(), nil)
	}
}

func (h LiveHandler) run(conn *websocket.Conn, r *http.Request, reqID string, adm *admitted) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hello := adm.hello
	var synth speech.Synthesizer
	if hello.Speech {
		synth = h.Speech
	}

	sessionID := "s_" + randHex(8)
	if err := conn.WriteJSON(h.helloAck(sessionID, adm, synth != nil)); err != nil {
		return
	}
	if hello.Speech && synth == nil {
		_ = conn.WriteJSON(protocol.ServerWarning{Type: "warning", Code: "speech_unavailable", Message: "speech is not configured on this server"})
	}

	startAt := time.Now()
	logger.Info("live session start",
		"session_id", sessionID,
		"request_id", reqID,
		"principal", string(adm.principal.Kind),
		"hello", hello.RedactedForLog(),
	)

	s, err := session.New(session.Dependencies{
		Conn:        conn,
		Logger:      logger,
		Hello:       hello,
		SessionID:   sessionID,
		RequestID:   reqID,
		RoutineName: adm.routineName,
		Routine:     adm.routine,
		Repository:  h.Repository,
		Speech:      synth,
		Metrics:     h.Metrics,
		StartTime:   startAt,
		Config:      h.sessionConfig(),
	})
	if err != nil {
		h.writeRefusal(conn, refuse("internal", "failed to initialize live session", nil))
		return
	}

	defer h.LiveSessions.Register(sessionID, sessions.Handle{
		Cancel:   s.Cancel,
		Warn:     s.SendWarning,
		Snapshot: s.Snapshot,
	})()

	if err := s.Run(); err != nil {
		logger.Warn("live session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
		return
	}
	logger.Info("live session end", "session_id", sessionID, "duration_ms", time.Since(startAt).Milliseconds())
}

func (h LiveHandler) helloAck(sessionID string, adm *admitted, speechOn bool) protocol.ServerHelloAck {
	cfg := h.Config
	limits := &protocol.HelloAckLimits{
		MaxJSONMessageBytes: cfg.LiveMaxJSONMessageBytes,
		MaxKeypointFPS:      max(cfg.LiveMaxKeypointFPS, 0),
		MaxKeypointBPS:      max(cfg.LiveMaxKeypointBPS, 0),
		TickIntervalMS:      cfg.LiveTickInterval.Milliseconds(),
		MaxSessionMS:        cfg.LiveMaxSessionDuration.Milliseconds(),
	}
	if limits.MaxKeypointFPS > 0 || limits.MaxKeypointBPS > 0 {
		limits.InboundBurstSeconds = max(cfg.LiveInboundBurstSeconds, 0)
	}
	return protocol.ServerHelloAck{
		Type:             "hello_ack",
		ProtocolVersion:  protocol.ProtocolVersion1,
		SessionID:        sessionID,
		Profile:          adm.hello.Profile,
		Routine:          adm.routineName,
		Title:            adm.routine.Title,
		Poses:            adm.routine.PoseSequence,
		ReuseCalibration: adm.hello.ReuseCalibration,
		Speech:           speechOn,
		Limits:           limits,
	}
}

func (h LiveHandler) sessionConfig() session.Config {
	cfg := h.Config
	return session.Config{
		MaxJSONMessageBytes: cfg.LiveMaxJSONMessageBytes,
		MaxKeypointFPS:      cfg.LiveMaxKeypointFPS,
		MaxKeypointBPS:      cfg.LiveMaxKeypointBPS,
		InboundBurstSeconds: cfg.LiveInboundBurstSeconds,
		TickInterval:        cfg.LiveTickInterval,
		FrameWait:           cfg.LiveFrameWait,
		PingInterval:        cfg.LiveWSPingInterval,
		WriteTimeout:        cfg.LiveWSWriteTimeout,
		ReadTimeout:         cfg.LiveWSReadTimeout,
		MaxSessionDuration:  cfg.LiveMaxSessionDuration,
		OutboundQueueSize:   cfg.LiveOutboundQueueSize,
		EventQueueSize:      cfg.LiveEventQueueSize,
		PersistTimeout:      cfg.LivePersistTimeout,
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

// helloAPIKey prefers the hello frame; browsers cannot set headers on a
// WebSocket upgrade, so the api_key query parameter and bearer header are
// fallbacks.
func helloAPIKey(r *http.Request, hello protocol.ClientHello) string {
	if hello.Auth != nil {
		if key := strings.TrimSpace(hello.Auth.APIKey); key != "" {
			return key
		}
	}
	if key := strings.TrimSpace(r.URL.Query().Get("api_key")); key != "" {
		return key
	}
	key, _ := principal.Bearer(r)
	return key
}

func (h LiveHandler) writeRefusal(conn *websocket.Conn, rf *refusal) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Scope: "session", Code: rf.code, Message: rf.message, Close: true, Details: rf.details})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, rf.message), time.Now().Add(2*time.Second))
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
