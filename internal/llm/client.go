package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Params are the generation parameters passed through to the inference
// server. Zero values fall back to the client defaults.
type Params struct {
	MaxTokens       int
	Temperature     float64
	TopP            float64
	TopK            int
	RepeatPenalty   float64
	PresencePenalty float64
	Stop            []string
}

// Usage is the token accounting reported by a non-streaming completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client speaks the OpenAI-compatible chat/completions protocol to the
// text-generation server. One connection-pooled http.Client is shared
// across turns.
type Client struct {
	BaseURL      string
	Model        string
	ProbeTimeout time.Duration
	Defaults     Params
	HTTPClient   *http.Client
}

func NewClient(baseURL, model string, probeTimeout time.Duration, defaults Params) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:5000"
	}
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Model:        model,
		ProbeTimeout: probeTimeout,
		Defaults:     defaults,
		HTTPClient:   &http.Client{},
	}
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatReq struct {
	Model             string    `json:"model"`
	Messages          []chatMsg `json:"messages"`
	MaxTokens         int       `json:"max_tokens"`
	Temperature       float64   `json:"temperature"`
	TopP              float64   `json:"top_p"`
	TopK              int       `json:"top_k"`
	RepetitionPenalty float64   `json:"repetition_penalty"`
	PresencePenalty   float64   `json:"presence_penalty"`
	Stop              []string  `json:"stop,omitempty"`
	Stream            bool      `json:"stream"`
}

type chatResp struct {
	Choices []struct {
		Message chatMsg `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type streamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *Client) fill(p Params) Params {
	if p.MaxTokens <= 0 {
		p.MaxTokens = c.Defaults.MaxTokens
	}
	if p.Temperature <= 0 {
		p.Temperature = c.Defaults.Temperature
	}
	if p.TopP <= 0 {
		p.TopP = c.Defaults.TopP
	}
	if p.TopK <= 0 {
		p.TopK = c.Defaults.TopK
	}
	if p.RepeatPenalty <= 0 {
		p.RepeatPenalty = c.Defaults.RepeatPenalty
	}
	if p.PresencePenalty == 0 {
		p.PresencePenalty = c.Defaults.PresencePenalty
	}
	if len(p.Stop) == 0 {
		p.Stop = c.Defaults.Stop
	}
	return p
}

// The raw instruction-pair prompt rides as a single user message; the
// server treats it as a plain completion prompt.
func (c *Client) buildRequest(prompt string, p Params, stream bool) chatReq {
	p = c.fill(p)
	return chatReq{
		Model:             c.Model,
		Messages:          []chatMsg{{Role: "user", Content: prompt}},
		MaxTokens:         p.MaxTokens,
		Temperature:       p.Temperature,
		TopP:              p.TopP,
		TopK:              p.TopK,
		RepetitionPenalty: p.RepeatPenalty,
		PresencePenalty:   p.PresencePenalty,
		Stop:              p.Stop,
		Stream:            stream,
	}
}

// CheckConnection probes GET /v1/models; true iff HTTP 200.
func (c *Client) CheckConnection(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.BaseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		logrus.WithError(err).Debug("llm probe failed")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) probeTimeout() time.Duration {
	if c.ProbeTimeout > 0 {
		return c.ProbeTimeout
	}
	return 60 * time.Second
}

// Complete returns the full completion text and token usage.
func (c *Client) Complete(ctx context.Context, prompt string, p Params) (string, Usage, error) {
	body, err := json.Marshal(c.buildRequest(prompt, p, false))
	if err != nil {
		return "", Usage{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", Usage{}, fmt.Errorf("llm: %s", msg)
	}

	var decoded chatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", Usage{}, err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", Usage{}, errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", Usage{}, errors.New("llm: empty response")
	}
	return decoded.Choices[0].Message.Content, decoded.Usage, nil
}

// Stream yields completion deltas until the [DONE] terminator. Both
// channels close when streaming ends. Malformed SSE lines are skipped;
// a transport error mid-stream closes the chunk channel without sending
// on errs, so whatever accumulated downstream proceeds to completion
// repair.
func (c *Client) Stream(ctx context.Context, prompt string, p Params) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(c.buildRequest(prompt, p, true))
		if err != nil {
			errs <- err
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			msg := strings.TrimSpace(string(raw))
			if msg == "" {
				msg = fmt.Sprintf("status %d", resp.StatusCode)
			}
			errs <- fmt.Errorf("llm: %s", msg)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var decoded streamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				logrus.WithError(err).Debug("skipping malformed stream line")
				continue
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			if delta := decoded.Choices[0].Delta.Content; delta != "" {
				select {
				case chunks <- delta:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := sc.Err(); err != nil {
			logrus.WithError(err).Warn("llm stream terminated early")
		}
	}()

	return chunks, errs
}
