package coretools

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/harun/pilot/pkg/tools"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	webDefaultLength = 5000
	webMaxLength     = 20000
	webMaxBody       = 2 << 20
	webUserAgent     = "pilot/1.0"
)

func webFetchTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "web_fetch",
		Description: "Fetch a URL and answer a question about the page. HTML is simplified to markdown before reading.",
		Parameters: []tools.Parameter{
			{Name: "url", Type: "string", Description: "The URL to fetch", Required: true},
			{Name: "prompt", Type: "string", Description: "What to extract from the page (default: a summary)"},
			{Name: "raw", Type: "boolean", Description: "Keep raw HTML instead of converting to markdown"},
			{Name: "max_length", Type: "integer", Description: "Maximum characters to read (default 5000, maximum 20000)"},
			{Name: "start_index", Type: "integer", Description: "Start offset for reading past truncated content"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
			rawURL, _ := args["url"].(string)
			rawURL = strings.TrimSpace(rawURL)
			if rawURL == "" {
				return tools.Result{}, fmt.Errorf("url is required")
			}
			raw, _ := args["raw"].(bool)
			maxLength := intArg(args, "max_length", webDefaultLength)
			if maxLength <= 0 {
				maxLength = webDefaultLength
			}
			if maxLength > webMaxLength {
				maxLength = webMaxLength
			}
			start := intArg(args, "start_index", 0)
			if start < 0 {
				start = 0
			}

			contentType, content, err := fetch(ctx, opts.HTTPClient, rawURL)
			if err != nil {
				opts.Logger.Warn().Err(err).Str("url", rawURL).Msg("Fetch failed")
				return tools.Result{}, err
			}
			if !raw && strings.Contains(strings.ToLower(contentType), "html") {
				content = htmlToMarkdown(content)
			}

			page := paginate(rawURL, contentType, content, start, maxLength)
			question, _ := args["prompt"].(string)
			if strings.TrimSpace(question) == "" {
				question = "Summarize the page."
			}
			metaPrompt := "Answer the request below using only the fetched page that follows. " +
				"Cite the URL where helpful and say so if the page does not contain the answer.\n\n" +
				"Request: " + question + "\n\n" + page
			return tools.Result{
				Output:      page,
				MetaPrompt:  metaPrompt,
				MetaContext: page,
			}, nil
		},
	}
}

func fetch(ctx context.Context, client *http.Client, rawURL string) (string, string, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return decodeDataURL(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, webMaxBody))
	if err != nil {
		return "", "", fmt.Errorf("failed to read response: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html"
	}
	return contentType, string(body), nil
}

func decodeDataURL(rawURL string) (string, string, error) {
	header, data, _ := strings.Cut(strings.TrimPrefix(rawURL, "data:"), ",")
	contentType := "text/plain"
	if mediaType, _, _ := strings.Cut(header, ";"); mediaType != "" {
		contentType = mediaType
	}
	if strings.HasSuffix(header, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return "", "", fmt.Errorf("invalid data url: %w", err)
		}
		return contentType, string(decoded), nil
	}
	decoded, err := url.PathUnescape(data)
	if err != nil {
		return "", "", fmt.Errorf("invalid data url: %w", err)
	}
	return contentType, decoded, nil
}

func paginate(rawURL, contentType, content string, start, maxLength int) string {
	runes := []rune(content)
	total := len(runes)
	if start > total {
		start = total
	}
	end := start + maxLength
	if end > total {
		end = total
	}

	lines := []string{"url: " + rawURL, "content-type: " + contentType}
	if end < total {
		lines = append(lines, fmt.Sprintf("[truncated at %d/%d chars, use start_index=%d to continue]", end, total, end))
	}
	lines = append(lines, "", string(runes[start:end]))
	return strings.Join(lines, "\n")
}

// htmlToMarkdown walks the parsed document and keeps the structure a reader
// needs: headings, links, emphasis, lists and code.
func htmlToMarkdown(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}
	var w markdownWriter
	w.walk(doc)
	return tidyMarkdown(w.b.String())
}

type markdownWriter struct {
	b   strings.Builder
	pre int
}

func (w *markdownWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *markdownWriter) wrap(n *html.Node, before, after string) {
	w.b.WriteString(before)
	w.children(n)
	w.b.WriteString(after)
}

func (w *markdownWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if w.pre > 0 {
			w.b.WriteString(n.Data)
		} else {
			w.b.WriteString(collapseSpace(n.Data))
		}
		return
	case html.ElementNode:
	default:
		w.children(n)
		return
	}

	switch n.DataAtom {
	case atom.Head, atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg:
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		w.wrap(n, "\n\n"+strings.Repeat("#", level)+" ", "\n\n")
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer,
		atom.Main, atom.Nav, atom.Table, atom.Tr, atom.Blockquote, atom.Ul, atom.Ol:
		w.wrap(n, "\n\n", "\n\n")
	case atom.Br:
		w.b.WriteString("\n")
	case atom.Li:
		w.wrap(n, "\n- ", "\n")
	case atom.A:
		href := attr(n, "href")
		if href == "" || strings.HasPrefix(href, "#") {
			w.children(n)
			return
		}
		w.wrap(n, "[", "]("+href+")")
	case atom.B, atom.Strong:
		w.wrap(n, "**", "**")
	case atom.I, atom.Em:
		w.wrap(n, "*", "*")
	case atom.Pre:
		w.pre++
		w.wrap(n, "\n\n```\n", "\n```\n\n")
		w.pre--
	case atom.Code:
		if w.pre > 0 {
			w.children(n)
			return
		}
		w.wrap(n, "`", "`")
	case atom.Img:
		if alt := attr(n, "alt"); alt != "" {
			w.b.WriteString(alt)
		}
	default:
		w.children(n)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapseSpace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(fields, " ")
	if strings.TrimLeftFunc(s, unicode.IsSpace) != s {
		out = " " + out
	}
	if strings.TrimRightFunc(s, unicode.IsSpace) != s {
		out += " "
	}
	return out
}

// tidyMarkdown trims lines outside code fences and folds blank runs.
func tidyMarkdown(text string) string {
	var out []string
	fenced := false
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "```" {
			fenced = !fenced
		}
		if !fenced {
			line = strings.TrimSpace(line)
		}
		if line == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
