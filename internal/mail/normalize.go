package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Normalizer converts an HTML body into the plain text the extractor reads
type Normalizer interface {
	Normalize(ctx context.Context, html string) (string, error)
}

// NewNormalizer returns the normalizer for an HTML_RENDERER value
func NewNormalizer(kind string) Normalizer {
	if kind == "chromedp" {
		return NewChromeNormalizer(30 * time.Second)
	}
	return StripNormalizer{}
}

// StripNormalizer removes markup without rendering it
type StripNormalizer struct{}

func (StripNormalizer) Normalize(_ context.Context, body string) (string, error) {
	return StripHTML(body), nil
}

// StripHTML removes tags, scripts and styles and collapses blank lines
func StripHTML(body string) string {
	body = removeTagsWithContent(body, "script")
	body = removeTagsWithContent(body, "style")
	body = removeTagsWithContent(body, "head")

	for _, br := range []string{"<br>", "<br/>", "<br />", "<BR>", "<BR/>", "<BR />"} {
		body = strings.ReplaceAll(body, br, "\n")
	}
	body = strings.ReplaceAll(body, "</p>", "\n\n")
	body = strings.ReplaceAll(body, "</P>", "\n\n")
	body = strings.ReplaceAll(body, "</div>", "\n")
	body = strings.ReplaceAll(body, "</tr>", "\n")
	body = strings.ReplaceAll(body, "</li>", "\n")

	var result strings.Builder
	inTag := false
	for _, char := range body {
		if char == '<' {
			inTag = true
			continue
		}
		if char == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(char)
		}
	}

	text := html.UnescapeString(result.String())
	text = strings.ReplaceAll(text, "\u00a0", " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.TrimSpace(strings.Join(lines, "\n"))

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return text
}

// removeTagsWithContent removes HTML tags and their content
func removeTagsWithContent(body, tag string) string {
	openTag := "<" + tag
	closeTag := "</" + tag + ">"

	from := 0
	for {
		lower := strings.ToLower(body)
		idx := strings.Index(lower[from:], openTag)
		if idx == -1 {
			break
		}
		start := from + idx

		// <header> is not <head>
		next := start + len(openTag)
		if next < len(lower) && lower[next] != '>' && lower[next] != ' ' && lower[next] != '\t' && lower[next] != '\n' {
			from = next
			continue
		}

		end := strings.Index(lower[start:], closeTag)
		if end == -1 {
			break
		}
		end += start + len(closeTag)

		body = body[:start] + body[end:]
		from = start
	}

	return body
}

// ChromeNormalizer renders the HTML in headless Chrome and reads the visible text,
// which keeps table layouts and hidden elements the way a reader sees them
type ChromeNormalizer struct {
	timeout time.Duration
	opts    []chromedp.ExecAllocatorOption
}

// NewChromeNormalizer creates a normalizer that starts a browser per call
func NewChromeNormalizer(timeout time.Duration) *ChromeNormalizer {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	return &ChromeNormalizer{timeout: timeout, opts: opts}
}

func (n *ChromeNormalizer) Normalize(ctx context.Context, body string) (string, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, n.opts...)
	defer allocCancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, timeoutCancel := context.WithTimeout(browserCtx, n.timeout)
	defer timeoutCancel()

	var text string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate("data:text/html;charset=utf-8;base64,"+base64.StdEncoding.EncodeToString([]byte(body))),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
	)
	if err != nil {
		return "", fmt.Errorf("failed to render HTML body: %w", err)
	}
	return strings.TrimSpace(text), nil
}
