package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/basket/nervecore/internal/policy"
)

const maxReadURLRedirects = 10

// ReadURLTool fetches a web page and returns simplified text content.
type ReadURLTool struct {
	Policy policy.Checker
}

func (t *ReadURLTool) Name() string       { return "read_url" }
func (t *ReadURLTool) Capability() string { return "tools.read_url" }

func (t *ReadURLTool) Execute(ctx context.Context, args map[string]any) Result {
	rawURL, _ := argString(args, "url")
	if rawURL == "" {
		return failed(fmt.Errorf("empty URL"))
	}
	if t.Policy == nil || !t.Policy.AllowHTTPURL(rawURL) {
		return failed(fmt.Errorf("policy denied URL %q", rawURL))
	}
	content, err := fetchAndSimplify(ctx, rawURL, t.Policy)
	if err != nil {
		return failed(fmt.Errorf("read URL: %w", err))
	}
	return ok(map[string]any{"content": content}, nil)
}

func fetchAndSimplify(ctx context.Context, rawURL string, pol policy.Checker) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "nervecore/1.0 (agent)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain")

	client := &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxReadURLRedirects {
				return fmt.Errorf("stopped after %d redirects", maxReadURLRedirects)
			}
			redirectURL := req.URL.String()
			if pol == nil || !pol.AllowHTTPURL(redirectURL) {
				return fmt.Errorf("policy denied redirect URL %q", redirectURL)
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}

	content := htmlToText(string(body))
	if len(content) > 8000 {
		content = content[:8000] + "\n\n[content truncated]"
	}
	return content, nil
}

func htmlToText(html string) string {
	reScript := regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	html = reScript.ReplaceAllString(html, "")

	reStyle := regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	html = reStyle.ReplaceAllString(html, "")

	reComment := regexp.MustCompile(`(?s)<!--.*?-->`)
	html = reComment.ReplaceAllString(html, "")

	blockTags := regexp.MustCompile(`(?i)</?(?:div|p|br|h[1-6]|li|tr|td|th|blockquote|pre|hr)[^>]*>`)
	html = blockTags.ReplaceAllString(html, "\n")

	reTags := regexp.MustCompile(`<[^>]+>`)
	html = reTags.ReplaceAllString(html, "")

	html = strings.ReplaceAll(html, "&amp;", "&")
	html = strings.ReplaceAll(html, "&lt;", "<")
	html = strings.ReplaceAll(html, "&gt;", ">")
	html = strings.ReplaceAll(html, "&quot;", "\"")
	html = strings.ReplaceAll(html, "&#39;", "'")
	html = strings.ReplaceAll(html, "&nbsp;", " ")

	reSpaces := regexp.MustCompile(`[ \t]+`)
	html = reSpaces.ReplaceAllString(html, " ")

	reNewlines := regexp.MustCompile(`\n{3,}`)
	html = reNewlines.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
