package template

import (
	"strings"

	"github.com/foxzi/basket/internal/news"
)

// Template represents a confirmation email template
type Template struct {
	Subject string `json:"subject" yaml:"subject"`
	HTML    string `json:"html,omitempty" yaml:"html"`
	Text    string `json:"text,omitempty" yaml:"text"`
}

// RenderResult contains rendered template output
type RenderResult struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Data is passed to confirmation templates
type Data struct {
	Email      string
	Token      string
	Lang       string
	ConfirmURL string
}

// Key returns the lookup key of a template for variant and language
func Key(variant news.Variant, lang string) string {
	return string(variant) + "/" + lang
}

// ParseKey parses a configuration key of the form "variant" or
// "variant/lang". A bare variant stands for the default language.
func ParseKey(key string) (news.Variant, string) {
	variant, lang, ok := strings.Cut(key, "/")
	if !ok || lang == "" {
		lang = news.DefaultLang
	}
	return news.Variant(variant), lang
}
