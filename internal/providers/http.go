package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClientConfig names an OpenAI-compatible chat/completions endpoint
// plus the model each of the five external collaborator calls should use.
// One base URL serves all five roles because every provider the fabric
// talks to (tagging, vision, OCR, crawl-summarization, embedding) in
// practice sits behind an OpenAI-compatible gateway — the same
// generalization the teacher's OpenAIProvider makes for OpenRouter,
// Anthropic-via-proxy, and vLLM.
type HTTPClientConfig struct {
	APIKey        string
	APIBase       string
	TaggingModel  string
	VisionModel   string
	OCRModel      string
	CrawlModel    string
	EmbeddingModel string
	Timeout       time.Duration
}

// HTTPClient implements Tagger, VisionAnalyzer, OCR, Crawler and Embedder
// against an OpenAI-compatible chat/completions and embeddings API. It is
// the one concrete adapter cmd/pipeline wires by default; a deployment
// that needs a bespoke vendor SDK swaps this out behind the same five
// interfaces without touching any stage.
type HTTPClient struct {
	apiKey  string
	apiBase string
	models  HTTPClientConfig
	http    *http.Client
}

// NewHTTPClient builds an HTTPClient from cfg, defaulting APIBase the same
// way the teacher's NewOpenAIProvider falls back to api.openai.com.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	base := strings.TrimSuffix(cfg.APIBase, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		apiKey:  cfg.APIKey,
		apiBase: base,
		models:  cfg,
		http:    &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

func (c *HTTPClient) chat(ctx context.Context, model string, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("providers: marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("providers: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("providers: chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("providers: read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("providers: chat API error (status %d): %s", resp.StatusCode, string(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("providers: parse chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("providers: chat response had no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Tag classifies text into topic tags via a structured-JSON chat prompt.
func (c *HTTPClient) Tag(ctx context.Context, text string) (TagResult, error) {
	prompt := "Return a JSON object {\"tags\":[...],\"confidence\":0-1} classifying this text into 1-5 topic tags:\n\n" + text
	out, err := c.chat(ctx, c.models.TaggingModel, []chatMessage{{Role: "user", Content: prompt}})
	if err != nil {
		return TagResult{}, err
	}
	var result TagResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		return TagResult{}, fmt.Errorf("providers: parse tag response: %w", err)
	}
	return result, nil
}

// Analyze describes an image via a vision-capable chat model, passing the
// image inline as a base64 data URL the way OpenAI-compatible vision
// endpoints expect.
func (c *HTTPClient) Analyze(ctx context.Context, imageBytes []byte, mime string) (VisionResult, error) {
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(imageBytes)
	content := []map[string]any{
		{"type": "text", "text": "Describe this image and return JSON {\"description\":\"...\",\"labels\":[...]}."},
		{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
	}
	out, err := c.chat(ctx, c.models.VisionModel, []chatMessage{{Role: "user", Content: content}})
	if err != nil {
		return VisionResult{}, err
	}
	var result VisionResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		return VisionResult{Description: out}, nil
	}
	return result, nil
}

// Extract runs OCR via the same vision-capable chat model, used by
// VisionStage as its fallback whenever the primary Analyze call fails.
func (c *HTTPClient) Extract(ctx context.Context, imageBytes []byte, mime string) (OCRResult, error) {
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(imageBytes)
	content := []map[string]any{
		{"type": "text", "text": "Transcribe all text visible in this image. Return only the transcribed text."},
		{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
	}
	out, err := c.chat(ctx, c.models.OCRModel, []chatMessage{{Role: "user", Content: content}})
	if err != nil {
		return OCRResult{}, err
	}
	return OCRResult{Text: strings.TrimSpace(out), Confidence: 1.0}, nil
}

// Crawl fetches url directly and summarizes the body through the crawl
// model — the stage's job is extraction quality, not raw transport, so
// the HTTP fetch here is a plain GET rather than a headless browser.
func (c *HTTPClient) Crawl(ctx context.Context, url string) (CrawlResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CrawlResult{}, fmt.Errorf("providers: build crawl request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return CrawlResult{}, fmt.Errorf("providers: crawl fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return CrawlResult{}, fmt.Errorf("providers: read crawl body: %w", err)
	}
	prompt := fmt.Sprintf("Extract the title and main readable text from this HTML as JSON {\"title\":\"...\",\"text\":\"...\"}:\n\n%s", string(raw))
	out, err := c.chat(ctx, c.models.CrawlModel, []chatMessage{{Role: "user", Content: prompt}})
	if err != nil {
		return CrawlResult{}, err
	}
	var parsed struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return CrawlResult{URL: url, Text: out}, nil
	}
	return CrawlResult{Title: parsed.Title, Text: parsed.Text, URL: url}, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the embeddings endpoint, the one call in this file that
// isn't a chat completion.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.models.EmbeddingModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("providers: marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("providers: build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("providers: embedding request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("providers: read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("providers: embedding API error (status %d): %s", resp.StatusCode, string(raw))
	}
	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("providers: parse embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("providers: embedding response had no data")
	}
	return parsed.Data[0].Embedding, nil
}

// Check probes the provider's model listing endpoint, satisfying
// internal/stages.HealthChecker for the indexing stage's embedding probe.
func (c *HTTPClient) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/models", nil)
	if err != nil {
		return fmt.Errorf("providers: build health check request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("providers: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("providers: health check status %d", resp.StatusCode)
	}
	return nil
}

// Generate renders a digest body for a user's post window by asking the
// chat model for a digest, satisfying internal/stages.Generator. The prompt
// carries the user UUID, the post count and the post UUIDs; post content is
// not sent.
func (c *HTTPClient) Generate(ctx context.Context, tenant, userUUID string, postUUIDs []string) (string, error) {
	prompt := fmt.Sprintf("Write a short daily digest for user %s across %d new posts (uuids: %s). Summarize likely themes concisely.", userUUID, len(postUUIDs), strings.Join(postUUIDs, ", "))
	return c.chat(ctx, c.models.CrawlModel, []chatMessage{{Role: "user", Content: prompt}})
}
