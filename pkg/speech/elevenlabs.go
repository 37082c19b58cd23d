// Package speech voices session announcements and corrections.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io"
	defaultVoiceID    = "IKne3meq5aSn9XLyUdCD"
	defaultModelID    = "eleven_multilingual_v2"
)

// Synthesis is rendered audio for one line of text.
type Synthesis struct {
	Audio  []byte
	Format string
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) (*Synthesis, error)
}

// ElevenLabsProvider calls the ElevenLabs text-to-speech REST endpoint.
type ElevenLabsProvider struct {
	apiKey     string
	voiceID    string
	modelID    string
	baseURL    string
	httpClient *http.Client
}

func NewElevenLabs(apiKey, voiceID string) *ElevenLabsProvider {
	return NewElevenLabsWithClient(apiKey, voiceID, "", &http.Client{})
}

// NewElevenLabsWithClient allows a custom base URL and HTTP client. Empty
// values fall back to the public endpoint and the default voice.
func NewElevenLabsWithClient(apiKey, voiceID, baseURL string, client *http.Client) *ElevenLabsProvider {
	if strings.TrimSpace(voiceID) == "" {
		voiceID = defaultVoiceID
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = elevenLabsBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabsProvider{
		apiKey:     apiKey,
		voiceID:    voiceID,
		modelID:    defaultModelID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

func (p *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize returns mp3 audio for text.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text string) (*Synthesis, error) {
	body, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: p.modelID,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       0.75,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := p.baseURL + "/v1/text-to-speech/" + url.PathEscape(p.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("elevenlabs error %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return &Synthesis{Audio: audio, Format: "mp3"}, nil
}
