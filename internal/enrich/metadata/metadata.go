// Package metadata はリンク先ページのメタデータ取得機能を提供する。
package metadata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/linkman/internal/model"
)

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// feedContentTypes はフィードとして認識するContent-Typeのリスト。
var feedContentTypes = []string{
	"application/rss+xml",
	"application/atom+xml",
}

// xmlContentTypes はXMLとして認識するContent-Type（ボディ解析が必要）。
var xmlContentTypes = []string{
	"text/xml",
	"application/xml",
}

// Fetcher はOGP/メタタグおよびフィードからページメタデータを取得する。
// SSRF検証付きHTTPクライアントでフェッチし、RSS/Atomフィードの場合は
// フィード自体のタイトル・説明・画像を採用する。
type Fetcher struct {
	ssrfGuard   SSRFValidator
	timeout     time.Duration
	maxBodySize int64
	userAgent   string
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(ssrfGuard SSRFValidator, timeout time.Duration, maxBodySize int64) *Fetcher {
	return &Fetcher{
		ssrfGuard:   ssrfGuard,
		timeout:     timeout,
		maxBodySize: maxBodySize,
		userAgent:   "Linkman/1.0 Link Processor",
	}
}

// Fetch は指定URLのページメタデータを取得する。
// 各フィールドは独立してnullableで、取得できなかったものは空文字になる。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*model.PageMetadata, error) {
	if err := f.ssrfGuard.ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	client := f.ssrfGuard.NewSafeClient(f.timeout, f.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html, application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストに失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTPステータス異常: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取りに失敗: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")

	// リンク先がRSS/Atomフィードそのものの場合はフィードのメタデータを採用する
	if isDirectFeed(contentType, body) {
		meta, err := parseFeedMetadata(body)
		if err == nil {
			return meta, nil
		}
		// フィードとして解釈できなければHTMLとして続行
	}

	return parseHTMLMetadata(body, rawURL), nil
}

// isDirectFeed はContent-Typeとボディを解析して、
// レスポンスがRSS/Atomフィードかどうかを判定する。
func isDirectFeed(contentType string, body []byte) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	mediaType = strings.ToLower(mediaType)

	for _, feedCT := range feedContentTypes {
		if mediaType == feedCT {
			return true
		}
	}

	isXML := false
	for _, xmlCT := range xmlContentTypes {
		if mediaType == xmlCT {
			isXML = true
			break
		}
	}
	if !isXML || len(body) == 0 {
		return false
	}

	return isRSSOrAtomXML(body)
}

// isRSSOrAtomXML はXMLボディの先頭部分を解析してRSS/Atomフィードかを判定する。
func isRSSOrAtomXML(body []byte) bool {
	// 先頭4KBを検査（XMLプロローグ + ルート要素が含まれるのに十分）
	checkSize := 4096
	if len(body) < checkSize {
		checkSize = len(body)
	}
	prefix := strings.ToLower(string(body[:checkSize]))

	if strings.Contains(prefix, "<rss") {
		return true
	}
	if strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	if strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom") {
		return true
	}
	return false
}

// parseFeedMetadata はRSS/Atomフィードからメタデータを抽出する。
func parseFeedMetadata(body []byte) (*model.PageMetadata, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	meta := &model.PageMetadata{
		Title:       strings.TrimSpace(parsed.Title),
		Description: strings.TrimSpace(parsed.Description),
	}
	if parsed.Image != nil {
		meta.Image = parsed.Image.URL
	}
	return meta, nil
}

// parseHTMLMetadata はHTMLの<head>からOGP/メタタグを抽出する。
// 優先順位: OGP > Twitterカード > 標準メタタグ。
func parseHTMLMetadata(body []byte, pageURL string) *model.PageMetadata {
	meta := &model.PageMetadata{}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return meta
	}

	meta.Title = firstNonEmpty(
		metaProperty(doc, "og:title"),
		metaName(doc, "twitter:title"),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)
	meta.Description = firstNonEmpty(
		metaProperty(doc, "og:description"),
		metaName(doc, "twitter:description"),
		metaName(doc, "description"),
	)
	meta.Image = resolveURL(pageURL, firstNonEmpty(
		metaProperty(doc, "og:image"),
		metaName(doc, "twitter:image"),
	))
	meta.Favicon = discoverFavicon(doc, pageURL)

	return meta
}

// metaProperty は<meta property="...">のcontent属性を返す。
func metaProperty(doc *goquery.Document, property string) string {
	content, _ := doc.Find(fmt.Sprintf(`meta[property=%q]`, property)).First().Attr("content")
	return strings.TrimSpace(content)
}

// metaName は<meta name="...">のcontent属性を返す。
func metaName(doc *goquery.Document, name string) string {
	content, _ := doc.Find(fmt.Sprintf(`meta[name=%q]`, name)).First().Attr("content")
	return strings.TrimSpace(content)
}

// discoverFavicon は<link rel="icon">からfavicon URLを発見する。
// 宣言がない場合は /favicon.ico を推測する。
func discoverFavicon(doc *goquery.Document, pageURL string) string {
	var href string
	doc.Find(`link[rel]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel, _ := s.Attr("rel")
		for _, token := range strings.Fields(strings.ToLower(rel)) {
			if token == "icon" || token == "shortcut" || token == "apple-touch-icon" {
				if h, ok := s.Attr("href"); ok && strings.TrimSpace(h) != "" {
					href = strings.TrimSpace(h)
					return false
				}
			}
		}
		return true
	})

	if href != "" {
		return resolveURL(pageURL, href)
	}
	return guessDefaultFaviconURL(pageURL)
}

// guessDefaultFaviconURL はサイトURLからデフォルトのfavicon URLを推測する。
func guessDefaultFaviconURL(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	u.Path = "/favicon.ico"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// resolveURL は相対URLをページURLを基準に絶対URLへ解決する。
func resolveURL(pageURL, ref string) string {
	if ref == "" {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ref
	}
	resolved, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return resolved.String()
}

// firstNonEmpty は最初の空でない文字列を返す。
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
