// Package llm wraps the stateless language-model REST endpoints used
// by the control plane: question generation, answer scoring and audio
// transcription. No session state lives here.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pkaminsk/Anchor/internal/domain"
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// GenerateQuestions asks the model for count interview questions.
func (c *Client) GenerateQuestions(ctx context.Context, jobTitle, jobDescription string, count int) ([]domain.Question, error) {
	if count <= 0 {
		count = 5
	}
	system := "You generate interview questions. Respond with a JSON object: {\"questions\": [\"...\"]}."
	user := fmt.Sprintf("Generate %d interview questions for the role %q.\nJob description:\n%s", count, jobTitle, jobDescription)

	content, err := c.chat(ctx, system, user)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}
	out := make([]domain.Question, 0, len(parsed.Questions))
	for _, q := range parsed.Questions {
		if q != "" {
			out = append(out, domain.Question{Text: q})
		}
	}
	return out, nil
}

// Score grades one answer against its question on a 0..10 scale.
func (c *Client) Score(ctx context.Context, question, answer string) (domain.ScoreCard, error) {
	system := "You grade interview answers. Respond with a JSON object: {\"score\": 0-10, \"feedback\": \"...\"}."
	user := fmt.Sprintf("Question:\n%s\n\nAnswer:\n%s", question, answer)

	content, err := c.chat(ctx, system, user)
	if err != nil {
		return domain.ScoreCard{}, err
	}
	var card domain.ScoreCard
	if err := json.Unmarshal([]byte(content), &card); err != nil {
		return domain.ScoreCard{}, fmt.Errorf("parse score: %w", err)
	}
	if card.Score < 0 || card.Score > 10 {
		return domain.ScoreCard{}, fmt.Errorf("score %d out of range", card.Score)
	}
	return card, nil
}

func (c *Client) chat(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat request: status %d: %s", resp.StatusCode, data)
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("chat response: no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

// Transcribe uploads one audio file and returns its transcript.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	if err := mw.WriteField("model", "whisper-1"); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("transcription request: status %d: %s", resp.StatusCode, data)
	}
	var tr struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("transcription response: %w", err)
	}
	log.Debug().Str("module", "llm").Str("file", filename).Int("chars", len(tr.Text)).Msg("transcription done")
	return tr.Text, nil
}
