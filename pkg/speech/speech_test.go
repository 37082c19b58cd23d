package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alignify/alignify/pkg/coach"
)

func TestElevenLabs_Synthesize(t *testing.T) {
	var gotPath, gotKey string
	var gotBody elevenLabsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake"))
	}))
	defer srv.Close()

	p := NewElevenLabsWithClient("key-1", "voice 9", srv.URL+"/", srv.Client())
	if p.Name() != "elevenlabs" {
		t.Fatalf("name=%q", p.Name())
	}
	syn, err := p.Synthesize(context.Background(), "Perfect! Hold this pose.")
	if err != nil {
		t.Fatalf("Synthesize error = %v", err)
	}
	if string(syn.Audio) != "ID3fake" || syn.Format != "mp3" {
		t.Fatalf("synthesis=%+v", syn)
	}
	if gotPath != "/v1/text-to-speech/voice 9" || gotKey != "key-1" {
		t.Fatalf("path=%q key=%q", gotPath, gotKey)
	}
	if gotBody.Text != "Perfect! Hold this pose." || gotBody.VoiceSettings.Stability != 0.75 || gotBody.VoiceSettings.SimilarityBoost != 0.75 {
		t.Fatalf("body=%+v", gotBody)
	}
}

func TestElevenLabs_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewElevenLabsWithClient("k", "", srv.URL, nil).Synthesize(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "elevenlabs error 429") || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err=%v", err)
	}
}

func TestNewElevenLabs_Defaults(t *testing.T) {
	p := NewElevenLabs("k", "")
	if p.voiceID != defaultVoiceID || p.baseURL != elevenLabsBaseURL || p.httpClient == nil {
		t.Fatalf("provider=%+v", p)
	}
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	gate  chan struct{}
	err   error
}

func (f *fakeSynth) Name() string { return "fake" }

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (*Synthesis, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &Synthesis{Audio: []byte("audio:" + text), Format: "mp3"}, nil
}

func TestSink_SpeaksAnnouncementsAndFeedback(t *testing.T) {
	synth := &fakeSynth{}
	got := make(chan Utterance, 4)
	s := NewSink(synth, func(u Utterance) { got <- u }, SinkConfig{})
	defer s.Close()

	coach.Deliver(s, coach.Event{Kind: coach.EventAnnouncement, Text: "Star calibrated."})
	coach.Deliver(s, coach.Event{Kind: coach.EventFeedback, Feedback: &coach.FeedbackEvent{Message: "Move your left arm up"}})
	coach.Deliver(s, coach.Event{Kind: coach.EventProgress, Calibrated: 1, Total: 4})

	for _, want := range []Utterance{
		{Kind: coach.EventAnnouncement, Text: "Star calibrated.", Audio: []byte("audio:Star calibrated."), Format: "mp3"},
		{Kind: coach.EventFeedback, Text: "Move your left arm up", Audio: []byte("audio:Move your left arm up"), Format: "mp3"},
	} {
		select {
		case u := <-got:
			if u.Kind != want.Kind || u.Text != want.Text || string(u.Audio) != string(want.Audio) {
				t.Fatalf("utterance=%+v, want %+v", u, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want.Text)
		}
	}
}

func TestSink_DropsWhenBusyAndCloseUnblocks(t *testing.T) {
	synth := &fakeSynth{gate: make(chan struct{})}
	s := NewSink(synth, nil, SinkConfig{QueueSize: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			s.OnAnnouncement("line")
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnAnnouncement blocked")
	}
	if s.Dropped() == 0 {
		t.Fatalf("expected dropped lines")
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not cancel in-flight synthesis")
	}
	if s.Failed() != 0 {
		t.Fatalf("cancellation counted as failure")
	}
}

func TestSink_CountsFailures(t *testing.T) {
	synth := &fakeSynth{err: errors.New("boom")}
	s := NewSink(synth, func(Utterance) { t.Errorf("unexpected delivery") }, SinkConfig{})
	s.OnAnnouncement("hello")

	deadline := time.Now().Add(2 * time.Second)
	for s.Failed() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Close()
	if s.Failed() != 1 {
		t.Fatalf("failed=%d, want 1", s.Failed())
	}
}
