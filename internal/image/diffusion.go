package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DiffusionClient speaks the AUTOMATIC1111 txt2img API.
type DiffusionClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewDiffusionClient(baseURL string) *DiffusionClient {
	return &DiffusionClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

type txt2imgReq struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Steps          int    `json:"steps"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
}

type txt2imgResp struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

const defaultNegativePrompt = "lowres, bad anatomy, bad hands, text, watermark, blurry"

// Txt2Img renders prompt and returns the first image as base64 PNG data.
func (c *DiffusionClient) Txt2Img(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(txt2imgReq{
		Prompt:         prompt,
		NegativePrompt: defaultNegativePrompt,
		Steps:          30,
		Width:          512,
		Height:         768,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sdapi/v1/txt2img", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return "", fmt.Errorf("diffusion: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded txt2imgResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if len(decoded.Images) == 0 {
		return "", errors.New("diffusion: no images returned")
	}
	return decoded.Images[0], nil
}
