// Package extract はリンク先ページの本文抽出機能を提供する。
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/linkman/internal/model"
)

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Sanitizer はHTMLサニタイズのインターフェース。
// security.ContentSanitizerServiceを抽象化してテスタビリティを向上させる。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// noiseSelectors は本文抽出時に除去する要素。
const noiseSelectors = "script, style, noscript, iframe, nav, header, footer, aside, form"

// Extractor はHTMLページから本文を抽出する。
// サニタイズ済みHTMLをMarkdownに変換したContentと、
// プレーンテキストのTextContentの両方を生成する。
type Extractor struct {
	ssrfGuard   SSRFValidator
	sanitizer   Sanitizer
	converter   *md.Converter
	timeout     time.Duration
	maxBodySize int64
	userAgent   string
}

// NewExtractor はExtractorの新しいインスタンスを生成する。
func NewExtractor(ssrfGuard SSRFValidator, sanitizer Sanitizer, timeout time.Duration, maxBodySize int64) *Extractor {
	return &Extractor{
		ssrfGuard:   ssrfGuard,
		sanitizer:   sanitizer,
		converter:   md.NewConverter("", true, nil),
		timeout:     timeout,
		maxBodySize: maxBodySize,
		userAgent:   "Linkman/1.0 Link Processor",
	}
}

// Extract は指定URLの本文を抽出する。
// HTML以外のコンテンツの場合はnilを返す（エラーではない）。
func (e *Extractor) Extract(ctx context.Context, rawURL string) (*model.ExtractedContent, error) {
	if err := e.ssrfGuard.ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	client := e.ssrfGuard.NewSafeClient(e.timeout, e.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html, application/xhtml+xml")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストに失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTPステータス異常: %d", resp.StatusCode)
	}

	if !isHTMLContentType(resp.Header.Get("Content-Type")) {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取りに失敗: %w", err)
	}

	return e.extractFromHTML(body)
}

// extractFromHTML はHTMLドキュメントから本文を抽出する。
func (e *Extractor) extractFromHTML(body []byte) (*model.ExtractedContent, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTMLのパースに失敗: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	// ナビゲーションやスクリプトを除去してから本文領域を決定する。
	// <article>や<main>があればそれを本文とみなし、なければ<body>全体を使う
	doc.Find(noiseSelectors).Remove()

	content := doc.Find("article").First()
	if content.Length() == 0 {
		content = doc.Find("main").First()
	}
	if content.Length() == 0 {
		content = doc.Find("body").First()
	}
	if content.Length() == 0 {
		return nil, nil
	}

	rawHTML, err := content.Html()
	if err != nil {
		return nil, fmt.Errorf("本文HTMLの取得に失敗: %w", err)
	}

	safeHTML := rawHTML
	if e.sanitizer != nil {
		safeHTML = e.sanitizer.Sanitize(rawHTML)
	}

	markdown, err := e.converter.ConvertString(safeHTML)
	if err != nil {
		return nil, fmt.Errorf("Markdown変換に失敗: %w", err)
	}

	text := collapseWhitespace(content.Text())
	if title == "" && markdown == "" && text == "" {
		return nil, nil
	}

	return &model.ExtractedContent{
		Title:       title,
		Content:     strings.TrimSpace(markdown),
		TextContent: text,
	}, nil
}

// isHTMLContentType はContent-TypeがHTMLかどうかを判定する。
func isHTMLContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	switch strings.ToLower(mediaType) {
	case "text/html", "application/xhtml+xml":
		return true
	}
	return false
}

// collapseWhitespace は連続する空白を1個のスペースにまとめる。
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
