package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	pdfx "github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const (
	maxFetchBytes = 20 << 20
	maxPDFPages   = 200
)

// ExtractPDF returns the plain text of up to maxPDFPages pages, pages
// separated by blank lines.
func ExtractPDF(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty PDF")
	}
	r, err := pdfx.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}

	var out strings.Builder
	pages := min(r.NumPage(), maxPDFPages)
	for i := 1; i <= pages; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		txt, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("reading page %d: %w", i, err)
		}
		if t := strings.TrimSpace(txt); t != "" {
			out.WriteString(t)
			out.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(out.String()), nil
}

// ExtractHTML returns the document title and its visible text. Script,
// style, and noscript content is skipped; block elements start new lines.
func ExtractHTML(r io.Reader) (title, text string, err error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}
	var b strings.Builder
	walkHTML(root, &b, &title, false)
	return strings.TrimSpace(title), compactWhitespace(b.String()), nil
}

func walkHTML(n *html.Node, b *strings.Builder, title *string, hidden bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript", "template":
			hidden = true
		case "title":
			if *title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				*title = n.FirstChild.Data
			}
			return
		case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article":
			b.WriteString("\n")
		}
	}
	if !hidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTML(c, b, title, hidden)
	}
}

func compactWhitespace(s string) string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

// Fetched is the text extracted from a remote document.
type Fetched struct {
	Title string
	Text  string
}

// Fetch downloads url and extracts text from PDF or HTML responses. Other
// text/* types are returned as is.
func Fetch(ctx context.Context, client *http.Client, url string) (Fetched, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Fetched{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Fetched{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Fetched{}, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return Fetched{}, fmt.Errorf("reading %s: %w", url, err)
	}
	if len(body) > maxFetchBytes {
		return Fetched{}, fmt.Errorf("document at %s exceeds %d bytes", url, maxFetchBytes)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/pdf":
		text, err := ExtractPDF(body)
		return Fetched{Text: text}, err
	case mediaType == "text/html", mediaType == "application/xhtml+xml", mediaType == "":
		title, text, err := ExtractHTML(bytes.NewReader(body))
		return Fetched{Title: title, Text: text}, err
	case strings.HasPrefix(mediaType, "text/"):
		return Fetched{Text: strings.TrimSpace(string(body))}, nil
	}
	return Fetched{}, fmt.Errorf("unsupported content type %q", mediaType)
}
