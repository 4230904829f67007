package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

// Summarizer generates session summaries using Ollama.
type Summarizer struct {
	ollamaURL string
	model     string
	enabled   bool
	logger    *slog.Logger
	client    *http.Client
}

func NewSummarizer(ollamaURL, model string, enabled bool, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		ollamaURL: ollamaURL,
		model:     model,
		enabled:   enabled,
		logger:    logger,
		client: &http.Client{
			Timeout: 120 * time.Second, // LLM generation can be slow
		},
	}
}

// IsEnabled returns whether summarization is active.
func (s *Summarizer) IsEnabled() bool {
	return s != nil && s.enabled
}

const summaryPrompt = `You are a session summarizer for a coding agent. Analyze the session activity and produce a short structured summary.

## Instructions
- Extract what was worked on, decisions made and open follow-ups
- Be concise but specific: include file names, commands and error messages
- Focus on what would help a FUTURE session continue this work
- Output plain text with the section headers below

## Format
WORK: What was explored or changed
DECISIONS: Key choices and their reasoning
NEXT STEPS: What remains to be done

## Session activity
%s`

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

const (
	maxTranscript  = 32000
	transcriptHead = 8000
	transcriptTail = 24000
)

// Summarize generates a summary from a session transcript.
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if !s.IsEnabled() {
		return "", fmt.Errorf("summarization disabled")
	}

	// Keep the head and a longer tail; the end of a session matters more.
	if len(transcript) > maxTranscript {
		transcript = transcript[:transcriptHead] + "\n\n[... middle truncated ...]\n\n" + transcript[len(transcript)-transcriptTail:]
	}

	body, err := json.Marshal(generateRequest{
		Model:  s.model,
		Prompt: fmt.Sprintf(summaryPrompt, transcript),
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(s.ollamaURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return strings.TrimSpace(out.Response), nil
}

// Transcript renders observations as the summarizer's input, oldest first.
func Transcript(observations []*models.Observation) string {
	var b strings.Builder
	for _, o := range observations {
		fmt.Fprintf(&b, "[%s] %s\n", o.EventType, o.Title)
		if o.Content != "" && o.Content != o.Title {
			b.WriteString(o.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// BulletSummary lists observation titles, one per line.
func BulletSummary(observations []*models.Observation) string {
	lines := make([]string, 0, len(observations))
	seen := make(map[string]bool, len(observations))
	for _, o := range observations {
		title := strings.TrimSpace(o.Title)
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		lines = append(lines, "- "+title)
	}
	return strings.Join(lines, "\n")
}
