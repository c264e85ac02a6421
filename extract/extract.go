package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"ledgerly_back/failure"
)

const (
	MimePDF      = "application/pdf"
	MimeText     = "text/plain"
	MimeMarkdown = "text/markdown"
	MimeCSV      = "text/csv"
	MimeJSON     = "application/json"
)

var supported = map[string]func(context.Context, []byte) (string, error){
	MimePDF:      extractPDF,
	MimeText:     extractText,
	MimeMarkdown: extractText,
	MimeCSV:      extractText,
	MimeJSON:     extractJSON,
}

// normalize 去掉 MIME 参数并统一大小写。
func normalize(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		return parsed
	}
	return strings.ToLower(mimeType)
}

// Supports 判断 Extract 是否支持该 MIME 类型。
func Supports(mimeType string) bool {
	_, ok := supported[normalize(mimeType)]
	return ok
}

// Extract 返回文档的纯文本。
func Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	fn, ok := supported[normalize(mimeType)]
	if !ok {
		return "", failure.Validation("mime_type", "unsupported file type %q", mimeType)
	}
	return fn(ctx, data)
}

func extractText(_ context.Context, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("extract: text is not valid utf-8")
	}
	return string(data), nil
}

func extractJSON(_ context.Context, data []byte) (string, error) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return "", fmt.Errorf("extract: parse json: %w", err)
	}
	return out.String(), nil
}

func extractPDF(ctx context.Context, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("extract: open pdf: %w", err)
	}

	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract: read pdf page %d: %w", i, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}
