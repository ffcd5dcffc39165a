package proxy

import (
	"context"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRe            = regexp.MustCompile(`(?s)<[^>]+>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

// Extractor converts article HTML into GitHub-flavored markdown.
type Extractor struct {
	converter *md.Converter
}

// NewExtractor builds the markdown converter used by proxy.extract.
func NewExtractor() *Extractor {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Extractor{converter: converter}
}

// Markdown converts an HTML fragment to cleaned markdown. Falls back to
// tag stripping when conversion fails on malformed markup.
func (e *Extractor) Markdown(htmlContent string) string {
	markdown, err := e.converter.ConvertString(htmlContent)
	if err != nil {
		markdown = stripTags(htmlContent)
	}
	return cleanMarkdown(markdown)
}

// Extract runs the proxy.extract handler: fetch + readability + markdown.
func (e *Extractor) Extract(ctx context.Context, client *Client, rawURL string) (map[string]any, error) {
	article, err := client.FetchArticle(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	markdown := e.Markdown(article.Content)
	title := article.Title
	if title == "" {
		title = htmlTitle(article.Content)
	}
	if title == "" {
		title = markdownTitle(markdown)
	}

	return map[string]any{
		"ok":       true,
		"url":      rawURL,
		"title":    title,
		"markdown": markdown,
		"length":   len(markdown),
	}, nil
}

// htmlTitle pulls the <title> text out of an HTML fragment.
func htmlTitle(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil && title == ""; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// markdownTitle uses the first heading as a title of last resort.
func markdownTitle(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
	}
	return ""
}

func stripTags(content string) string {
	content = scriptRe.ReplaceAllString(content, "")
	content = styleRe.ReplaceAllString(content, "")
	return tagRe.ReplaceAllString(content, " ")
}

func cleanMarkdown(markdown string) string {
	markdown = excessiveLinesRe.ReplaceAllString(markdown, "\n\n\n")
	return strings.TrimSpace(markdown)
}
