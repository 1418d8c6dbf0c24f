package template

import (
	"bytes"
	"fmt"
	htmlTemplate "html/template"
	"sort"
	"strings"
	textTemplate "text/template"

	"github.com/foxzi/basket/internal/news"
)

// Set holds the parsed confirmation templates keyed by variant and language
type Set struct {
	baseURL   string
	templates map[string]*compiled
}

// compiled is a Template parsed once at load time
type compiled struct {
	subject *textTemplate.Template
	html    *htmlTemplate.Template
	text    *textTemplate.Template
}

// NewSet creates a template set from the built-in templates and the given
// overrides. Override keys are "variant" or "variant/lang".
func NewSet(baseURL string, overrides map[string]*Template) (*Set, error) {
	s := &Set{
		baseURL:   baseURL,
		templates: make(map[string]*compiled, len(defaults)+len(overrides)),
	}

	for key, tmpl := range defaults {
		c, err := compile(key, tmpl)
		if err != nil {
			return nil, err
		}
		s.templates[key] = c
	}

	for key, tmpl := range overrides {
		variant, lang := ParseKey(key)
		if variant == "" {
			return nil, fmt.Errorf("invalid template key %q", key)
		}
		c, err := compile(key, tmpl)
		if err != nil {
			return nil, err
		}
		s.templates[Key(variant, lang)] = c
	}

	return s, nil
}

// Render renders the confirmation email for one recipient. The template
// is looked up by language, then base language ("de" for "de-AT"), then
// the default language.
func (s *Set) Render(variant news.Variant, lang, email, token string) (*RenderResult, error) {
	var tmpl *compiled
	for _, l := range fallbackLangs(lang) {
		if c, ok := s.templates[Key(variant, l)]; ok {
			tmpl = c
			break
		}
	}
	if tmpl == nil {
		return nil, fmt.Errorf("no template for variant %q", variant)
	}

	return tmpl.execute(Data{
		Email:      email,
		Token:      token,
		Lang:       lang,
		ConfirmURL: s.ConfirmURL(token),
	})
}

// ConfirmURL returns the confirmation link for token
func (s *Set) ConfirmURL(token string) string {
	if s.baseURL == "" {
		return token
	}
	return strings.TrimSuffix(s.baseURL, "/") + "/" + token
}

// Keys returns the sorted keys of all templates in the set
func (s *Set) Keys() []string {
	keys := make([]string, 0, len(s.templates))
	for key := range s.templates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// compile checks the required parts of tmpl and parses them. Missing data
// fields fail at execution instead of rendering "<no value>".
func compile(key string, tmpl *Template) (*compiled, error) {
	if tmpl.Subject == "" {
		return nil, fmt.Errorf("template %s: subject is required", key)
	}
	if tmpl.HTML == "" && tmpl.Text == "" {
		return nil, fmt.Errorf("template %s: html or text body is required", key)
	}

	c := &compiled{}
	var err error
	if c.subject, err = textTemplate.New("subject").Option("missingkey=error").Parse(tmpl.Subject); err != nil {
		return nil, fmt.Errorf("template %s: invalid subject: %w", key, err)
	}
	if tmpl.HTML != "" {
		if c.html, err = htmlTemplate.New("html").Option("missingkey=error").Parse(tmpl.HTML); err != nil {
			return nil, fmt.Errorf("template %s: invalid html: %w", key, err)
		}
	}
	if tmpl.Text != "" {
		if c.text, err = textTemplate.New("text").Option("missingkey=error").Parse(tmpl.Text); err != nil {
			return nil, fmt.Errorf("template %s: invalid text: %w", key, err)
		}
	}
	return c, nil
}

func (c *compiled) execute(data any) (*RenderResult, error) {
	result := &RenderResult{}

	var buf bytes.Buffer
	if err := c.subject.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	result.Subject = buf.String()

	if c.html != nil {
		buf.Reset()
		if err := c.html.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render html: %w", err)
		}
		result.HTML = buf.String()
	}

	if c.text != nil {
		buf.Reset()
		if err := c.text.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render text: %w", err)
		}
		result.Text = buf.String()
	}

	return result, nil
}

func fallbackLangs(lang string) []string {
	langs := make([]string, 0, 3)
	if lang != "" {
		langs = append(langs, lang)
		if base, _, ok := strings.Cut(lang, "-"); ok && base != "" {
			langs = append(langs, base)
		}
	}
	if lang != news.DefaultLang {
		langs = append(langs, news.DefaultLang)
	}
	return langs
}
