// Package news reconciles newsletter subscription requests against the
// current CRM state of a user.
package news

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Kind is the type of subscription change requested
type Kind string

const (
	Subscribe   Kind = "SUBSCRIBE"
	Unsubscribe Kind = "UNSUBSCRIBE"
	Set         Kind = "SET"
)

// ParseKind parses an operation kind, case-insensitively
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case Subscribe, Unsubscribe, Set:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Variant selects the confirmation email template family
type Variant string

const (
	VariantMoz Variant = "moz"
	VariantFx  Variant = "fx"
)

// Newsletter is the reference definition of a newsletter
type Newsletter struct {
	Slug                string   `json:"slug" yaml:"slug"`
	Title               string   `json:"title" yaml:"title"`
	Active              bool     `json:"active" yaml:"active"`
	Languages           []string `json:"languages,omitempty" yaml:"languages"`
	VendorID            string   `json:"vendor_id" yaml:"vendor_id"`
	RequiresDoubleOptin bool     `json:"requires_double_optin" yaml:"requires_double_optin"`
	FirefoxConfirm      bool     `json:"firefox_confirm" yaml:"firefox_confirm"`
}

// Request is a subscription change for one user.
// Each Newsletters element may itself be a comma-separated list.
type Request struct {
	Email       string   `json:"email,omitempty"`
	Token       string   `json:"token,omitempty"`
	Newsletters []string `json:"newsletters,omitempty"`
	Lang        string   `json:"lang,omitempty"`
	Country     string   `json:"country,omitempty"`
	Format      string   `json:"format,omitempty"`
	FirstName   string   `json:"first_name,omitempty"`
	LastName    string   `json:"last_name,omitempty"`
	SourceURL   string   `json:"source_url,omitempty"`
	Optin       bool     `json:"optin,omitempty"`
	Optout      bool     `json:"optout,omitempty"`
}

// Key returns the identifier used to serialize work on the same user
func (r *Request) Key() string {
	if r.Email != "" {
		return strings.ToLower(r.Email)
	}
	return r.Token
}

// UserData is the current CRM record of a user
type UserData struct {
	Email       string   `json:"email"`
	Token       string   `json:"token"`
	Format      string   `json:"format,omitempty"`
	Country     string   `json:"country,omitempty"`
	Lang        string   `json:"lang,omitempty"`
	FirstName   string   `json:"first_name,omitempty"`
	LastName    string   `json:"last_name,omitempty"`
	SourceURL   string   `json:"source_url,omitempty"`
	Newsletters []string `json:"newsletters"`
	Optin       bool     `json:"optin"`
	Optout      bool     `json:"optout"`
}

// IsSubscribed reports whether the user is subscribed to slug
func (u *UserData) IsSubscribed(slug string) bool {
	if u == nil {
		return false
	}
	for _, s := range u.Newsletters {
		if s == slug {
			return true
		}
	}
	return false
}

// Delta maps a newsletter slug to its desired state. It only holds slugs
// whose desired state differs from the current one.
type Delta map[string]bool

// Subscribed returns the slugs being newly subscribed, sorted
func (d Delta) Subscribed() []string {
	return d.filter(true)
}

// Unsubscribed returns the slugs being removed, sorted
func (d Delta) Unsubscribed() []string {
	return d.filter(false)
}

func (d Delta) filter(want bool) []string {
	var out []string
	for slug, v := range d {
		if v == want {
			out = append(out, slug)
		}
	}
	sort.Strings(out)
	return out
}

// Write is the field set sent to the CRM on add or update.
// An empty string field is omitted from the write.
type Write struct {
	Email       string `json:"email,omitempty"`
	Token       string `json:"token,omitempty"`
	Format      string `json:"format,omitempty"`
	Country     string `json:"country,omitempty"`
	Lang        string `json:"lang,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
	Newsletters Delta  `json:"newsletters"`
	Optin       *bool  `json:"optin,omitempty"`
	Optout      *bool  `json:"optout,omitempty"`
}

// UserLookup finds the current CRM record of a user.
// A nil record with a nil error means the user is unknown.
type UserLookup interface {
	Lookup(ctx context.Context, email, token string) (*UserData, error)
}

// CRM writes contact records
type CRM interface {
	Add(ctx context.Context, w *Write) error
	Update(ctx context.Context, existing *UserData, w *Write) error
}

// Confirmer submits a confirmation email for asynchronous delivery
type Confirmer interface {
	SendConfirm(ctx context.Context, email, token, lang string, variant Variant) error
}

// Catalog resolves newsletter definitions by slug.
// Unknown slugs are absent from the returned map.
type Catalog interface {
	Newsletters(ctx context.Context, slugs []string) (map[string]*Newsletter, error)
}

// TokenGenerator returns a new user token, unique with overwhelming probability
type TokenGenerator func() string

func boolPtr(b bool) *bool {
	return &b
}
