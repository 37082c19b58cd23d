package mw

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for line := range strings.SplitSeq(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func jsonLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestRequestID_EchoesOrMints(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/routines", nil)
	req.Header.Set("X-Request-ID", "req_client")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "req_client" || rr.Header().Get("X-Request-ID") != "req_client" {
		t.Fatalf("seen=%q header=%q", seen, rr.Header().Get("X-Request-ID"))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/routines", nil))
	if !strings.HasPrefix(seen, "req_") || seen == "req_client" || rr.Header().Get("X-Request-ID") != seen {
		t.Fatalf("minted id=%q header=%q", seen, rr.Header().Get("X-Request-ID"))
	}
}

func TestAccessLog_RecordsStatusAndBytes(t *testing.T) {
	var logs logBuffer
	h := RequestID(AccessLog(jsonLogger(&logs), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodPut, "/v1/calibration/dana/Star", nil)
	req.Header.Set("X-Request-ID", "req_put")
	h.ServeHTTP(httptest.NewRecorder(), req)

	lines := logs.lines(t)
	if len(lines) != 1 {
		t.Fatalf("lines=%v", lines)
	}
	got := lines[0]
	if got["msg"] != "request" || got["status"] != float64(201) || got["bytes"] != float64(2) {
		t.Fatalf("line=%v", got)
	}
	if got["request_id"] != "req_put" || got["method"] != "PUT" || got["path"] != "/v1/calibration/dana/Star" {
		t.Fatalf("line=%v", got)
	}
}

func TestRecover_WritesEnvelopeAndLogsStack(t *testing.T) {
	var logs logBuffer
	logger := jsonLogger(&logs)
	h := RequestID(AccessLog(logger, Recover(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("calibration store exploded")
	}))))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/calibration/dana", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
	var env struct {
		Error struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("body=%q: %v", rr.Body.String(), err)
	}
	if env.Error.Type != "api_error" || env.Error.RequestID == "" {
		t.Fatalf("env=%+v", env)
	}

	lines := logs.lines(t)
	if len(lines) != 2 {
		t.Fatalf("lines=%v", lines)
	}
	if lines[0]["msg"] != "panic" || !strings.Contains(lines[0]["stack"].(string), "runtime/debug") {
		t.Fatalf("panic line=%v", lines[0])
	}
	if lines[1]["level"] != "WARN" || lines[1]["status"] != float64(500) {
		t.Fatalf("access line=%v", lines[1])
	}
}

func TestRecover_LeavesStartedResponseAlone(t *testing.T) {
	h := Recover(jsonLogger(io.Discard), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rr.Code != http.StatusAccepted || rr.Body.Len() != 0 {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestRecover_ReraisesAbortHandler(t *testing.T) {
	h := Recover(jsonLogger(io.Discard), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v", v)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
}

func TestAccessLog_WebSocketUpgradeThroughChain(t *testing.T) {
	var logs logBuffer
	logger := jsonLogger(&logs)
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(kind, data)
	})
	srv := httptest.NewServer(RequestID(AccessLog(logger, Recover(logger, echo))))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/live", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, data, err := conn.ReadMessage(); err != nil || string(data) != `{"type":"hello"}` {
		t.Fatalf("echo=%q err=%v", data, err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if lines := logs.lines(t); len(lines) == 1 {
			if lines[0]["status"] != float64(http.StatusSwitchingProtocols) {
				t.Fatalf("line=%v", lines[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no access log line for the upgrade")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
