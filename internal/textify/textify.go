// Package textify turns fetched HTML into markdown suitable for extraction.
package textify

import (
	"html"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// Converter sanitizes HTML and renders it as markdown. It is safe for
// concurrent use.
type Converter struct {
	md        *converter.Converter
	sanitizer *bluemonday.Policy
	plain     *bluemonday.Policy
}

// New builds a Converter with the base, commonmark and table plugins.
func New() *Converter {
	return &Converter{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		sanitizer: bluemonday.UGCPolicy(),
		plain:     bluemonday.StrictPolicy(),
	}
}

// Markdown converts raw HTML to markdown. Scripts, styles and inline handlers
// are dropped first. If conversion fails or yields nothing, the tag-stripped
// text is returned instead.
func (c *Converter) Markdown(rawHTML, sourceURL string) string {
	if strings.TrimSpace(rawHTML) == "" {
		return ""
	}
	clean := c.sanitizer.Sanitize(rawHTML)
	result, err := c.md.ConvertString(clean, converter.WithDomain(sourceURL))
	if err != nil || strings.TrimSpace(result) == "" {
		return c.PlainText(rawHTML)
	}
	return strings.TrimSpace(result)
}

// PlainText strips every tag and collapses whitespace.
func (c *Converter) PlainText(rawHTML string) string {
	text := html.UnescapeString(c.plain.Sanitize(rawHTML))
	return strings.Join(strings.Fields(text), " ")
}
