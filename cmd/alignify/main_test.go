package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alignify/alignify/pkg/gateway/config"
	gatewayserver "github.com/alignify/alignify/pkg/gateway/server"
	"github.com/alignify/alignify/pkg/pose"
)

func stubDeps(cfg config.Config) cliDeps {
	return cliDeps{
		loadConfig:   func() (config.Config, error) { return cfg, nil },
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	}
}

func run(t *testing.T, deps cliDeps, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = runMain(context.Background(), args, &out, &errOut, deps)
	return code, out.String(), errOut.String()
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	code, _, stderr := run(t, cliDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	}, "serve")

	if code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if !strings.Contains(stderr, "boom") {
		t.Fatalf("stderr=%q", stderr)
	}
}

func TestRunMain_UnknownLogFormat(t *testing.T) {
	t.Parallel()

	code, _, stderr := run(t, stubDeps(config.Config{}), "--log-format", "xml", "calibration", "list")
	if code != 1 || !strings.Contains(stderr, "log-format") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gatewayserver.New(config.Config{
		AuthMode:           config.AuthModeDisabled,
		APIKeys:            map[string]struct{}{},
		CORSAllowedOrigins: map[string]struct{}{},
		ReadHeaderTimeout:  time.Second,
		ReadTimeout:        time.Second,
		MaxBodyBytes:       1 << 20,

		LiveMaxJSONMessageBytes:     64 * 1024,
		LiveTickInterval:            100 * time.Millisecond,
		LiveWSPingInterval:          20 * time.Second,
		LiveWSWriteTimeout:          5 * time.Second,
		LiveHandshakeTimeout:        5 * time.Second,
		LiveMaxSessionDuration:      time.Hour,
		LiveMaxSessionsPerPrincipal: 2,
		LimitRPS:                    10,
		LimitBurst:                  20,
		LimitMaxConcurrentRequests:  20,
	}, logger, gatewayserver.Dependencies{})

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz", "/v1/routines"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status=%d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}
}

func standingBody() pose.Keypoints {
	kp := make(pose.Keypoints)
	for _, g := range pose.DefaultGroups() {
		for i, j := range g.Joints {
			kp[j] = pose.Keypoint{X: 0.5, Y: 0.3 + 0.2*float64(i)}
		}
	}
	return kp
}

// writeRecording writes n aligned frames, step apart.
func writeRecording(t *testing.T, dir string, n int, step time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, "session.jsonl")
	var buf bytes.Buffer
	for i := range n {
		line, err := json.Marshal(map[string]any{
			"t":         (time.Duration(i) * step).Seconds(),
			"keypoints": standingBody(),
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteString("not json\n")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write recording: %v", err)
	}
	return path
}

func writeQuickRoutine(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "quick.yaml")
	body := `title: Quick
poses: [Star]
timing:
  warmup: 0
  calibration_lead_in: 0
  calibration_settle: 0
  calibration_delay: 0
  countdown: 0
  hold: 0.2
  transition: 0
  feedback_min_interval: 0
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write routine: %v", err)
	}
	return path
}

func TestReplay_CompletesRoutineAndSavesCalibration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	recording := writeRecording(t, dir, 40, 50*time.Millisecond)
	routinePath := writeQuickRoutine(t, dir)
	cfg := config.Config{
		CalibrationBackend: config.BackendFile,
		CalibrationDir:     filepath.Join(dir, "calibration"),
	}

	code, stdout, stderr := run(t, stubDeps(cfg),
		"replay", recording, "--routine", routinePath, "--profile", "dana", "--format", "json")
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}

	var kinds []string
	runIDs := map[string]bool{}
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		var rec replayRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		kinds = append(kinds, rec.Kind)
		runIDs[rec.RunID] = true
	}
	if len(runIDs) != 1 {
		t.Fatalf("run ids=%v, want one", runIDs)
	}
	joined := strings.Join(kinds, ",")
	for _, want := range []string{"calibration_ready", "hold_progress", "completed"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %s in %s", want, joined)
		}
	}

	code, stdout, stderr = run(t, stubDeps(cfg), "calibration", "list", "dana")
	if code != 0 {
		t.Fatalf("list exit=%d stderr=%s", code, stderr)
	}
	if !strings.HasPrefix(stdout, "Star\t") {
		t.Fatalf("list stdout=%q", stdout)
	}
}

func TestReplay_ReuseSkipsCalibration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	routinePath := writeQuickRoutine(t, dir)
	cfg := config.Config{
		CalibrationBackend: config.BackendFile,
		CalibrationDir:     filepath.Join(dir, "calibration"),
	}
	doc := filepath.Join(dir, "dana.json")
	body, err := json.Marshal(map[string]any{"Star": standingBody()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(doc, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code, _, stderr := run(t, stubDeps(cfg), "calibration", "import", "dana", doc); code != 0 {
		t.Fatalf("import exit=%d stderr=%s", code, stderr)
	}

	recording := writeRecording(t, dir, 20, 50*time.Millisecond)
	code, stdout, stderr := run(t, stubDeps(cfg),
		"replay", recording, "--routine", routinePath, "--profile", "dana", "--reuse")
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	if strings.Contains(stdout, "calibration_ready") {
		t.Fatalf("stored calibration was not reused:\n%s", stdout)
	}
	if !strings.Contains(stdout, "completed") {
		t.Fatalf("routine did not complete:\n%s", stdout)
	}
}

func TestReplay_UnknownRoutine(t *testing.T) {
	t.Parallel()

	recording := writeRecording(t, t.TempDir(), 1, time.Second)
	code, _, stderr := run(t, stubDeps(config.Config{}), "replay", recording, "--routine", "nope")
	if code != 1 || !strings.Contains(stderr, "nope") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestCalibration_ImportExportRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		CalibrationBackend:  config.BackendFile,
		CalibrationDir:      t.TempDir(),
		CalibrationCompress: true,
	}
	// The input lives outside the calibration dir, where it would be listed
	// as a profile of its own.
	in := filepath.Join(t.TempDir(), "in.json")
	if err := os.WriteFile(in, []byte(`{"poses": {"Goddess": {"LEFT_KNEE": [0.25, 0.5, 0.125]}}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	code, stdout, stderr := run(t, stubDeps(cfg), "calibration", "import", "alex", in)
	if code != 0 || !strings.Contains(stdout, "imported 1 poses into alex") {
		t.Fatalf("import exit=%d stdout=%q stderr=%q", code, stdout, stderr)
	}

	code, stdout, stderr = run(t, stubDeps(cfg), "calibration", "export", "alex")
	if code != 0 {
		t.Fatalf("export exit=%d stderr=%q", code, stderr)
	}
	var doc struct {
		Poses map[string]map[string][3]float64 `json:"poses"`
	}
	if err := json.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("unmarshal export: %v\n%s", err, stdout)
	}
	if got := doc.Poses["Goddess"]["LEFT_KNEE"]; got != [3]float64{0.25, 0.5, 0.125} {
		t.Fatalf("LEFT_KNEE=%v", got)
	}

	code, stdout, _ = run(t, stubDeps(cfg), "calibration", "list")
	if code != 0 || stdout != "alex\n" {
		t.Fatalf("list exit=%d stdout=%q", code, stdout)
	}
}

func TestCalibration_ImportRejectsEmptyPose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	if err := os.WriteFile(in, []byte(`{"Star": {}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := config.Config{CalibrationBackend: config.BackendFile, CalibrationDir: dir}
	if code, _, _ := run(t, stubDeps(cfg), "calibration", "import", "dana", in); code != 1 {
		t.Fatalf("exit=%d, want 1", code)
	}
}

func TestMigrate_SQLite(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		CalibrationBackend: config.BackendSQLite,
		DatabaseURL:        filepath.Join(t.TempDir(), "alignify.db"),
	}
	code, stdout, stderr := run(t, stubDeps(cfg), "migrate")
	if code != 0 || stdout != "applied 1 migrations\n" {
		t.Fatalf("exit=%d stdout=%q stderr=%q", code, stdout, stderr)
	}

	code, stdout, _ = run(t, stubDeps(cfg), "migrate")
	if code != 0 || stdout != "applied 0 migrations\n" {
		t.Fatalf("second run exit=%d stdout=%q", code, stdout)
	}
}

func TestMigrate_RejectsNonSQLBackend(t *testing.T) {
	t.Parallel()

	code, _, stderr := run(t, stubDeps(config.Config{CalibrationBackend: config.BackendMemory}), "migrate")
	if code != 1 || !strings.Contains(stderr, "sqlite or postgres") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}
