// Package summarize はOpenAI互換APIを使用したAIサマリー生成機能を提供する。
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultTimeout はサマリー生成リクエストのタイムアウト。
const defaultTimeout = 60 * time.Second

// systemPrompt はサマリー生成の指示プロンプト。
const systemPrompt = "あなたはWebページの内容を要約するアシスタントです。" +
	"与えられたテキストの要点を、元の言語のまま3〜5文で簡潔にまとめてください。"

// Config はOpenAIClientの設定。
type Config struct {
	Endpoint string // chat completions APIのURL
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// OpenAIClient はOpenAI互換のchat completions APIを呼び出すサマリー生成クライアント。
type OpenAIClient struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAIClient は設定からクライアントを生成する。
func NewOpenAIClient(cfg Config) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OpenAIClient{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Model は使用中のモデル識別子を返す。
func (c *OpenAIClient) Model() string {
	return c.model
}

// chatResponse はchat completions APIのレスポンスのうち必要な部分。
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Summarize はテキストのサマリーを生成する。
// APIが空の応答を返した場合は空文字を返す（サマリーなし）。
func (c *OpenAIClient) Summarize(ctx context.Context, text string, maxTokens int) (string, error) {
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return "", fmt.Errorf("サマリークライアントが未設定です")
	}
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": text},
		},
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("リクエストのシリアライズに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("サマリーAPIの呼び出しに失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("サマリーAPIエラー %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("レスポンスのパースに失敗: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}

	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
