package news

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// DefaultLang is used for confirmation emails when the request has no language
const DefaultLang = "en-US"

// UnknownSlugPolicy decides what happens to slugs missing from the catalog
type UnknownSlugPolicy string

const (
	// IgnoreUnknownSlug drops unknown slugs before the delta is computed
	IgnoreUnknownSlug UnknownSlugPolicy = "ignore-unknown-slug"
	// RejectUnknownSlug fails the call with ErrUnknownNewsletter
	RejectUnknownSlug UnknownSlugPolicy = "reject-unknown-slug"
)

// Options configures an Engine
type Options struct {
	Catalog   Catalog
	Lookup    UserLookup
	CRM       CRM
	Confirmer Confirmer

	// GenerateToken defaults to random UUIDs
	GenerateToken TokenGenerator

	// UnknownSlugs defaults to IgnoreUnknownSlug
	UnknownSlugs UnknownSlugPolicy

	// SendConfirmations enables confirmation dispatch
	SendConfirmations bool

	// DefaultLang defaults to DefaultLang
	DefaultLang string

	Logger *slog.Logger
}

// Confirmation describes a confirmation email required by a reconciliation
type Confirmation struct {
	Email   string  `json:"email"`
	Token   string  `json:"token"`
	Lang    string  `json:"lang"`
	Variant Variant `json:"variant"`
}

// Result is the outcome of one reconciliation
type Result struct {
	Token   string `json:"token"`
	Created bool   `json:"created"`
	Write   *Write `json:"write"`

	// Format is the preference used for welcome template selection.
	// It is not necessarily part of Write.
	Format string `json:"format"`

	// Dropped lists requested slugs ignored because they are unknown
	Dropped []string `json:"dropped,omitempty"`

	// Confirm is set when a confirmation email is required
	Confirm *Confirmation `json:"confirm,omitempty"`

	// Dispatched is true when Confirm was handed to the Confirmer
	Dispatched bool `json:"dispatched"`

	// ConfirmErr holds a dispatch failure; the CRM write still happened
	ConfirmErr error `json:"-"`
}

// Engine reconciles subscription requests with CRM state
type Engine struct {
	catalog      Catalog
	lookup       UserLookup
	crm          CRM
	confirmer    Confirmer
	genToken     TokenGenerator
	unknownSlugs UnknownSlugPolicy
	sendConfirm  bool
	defaultLang  string
	logger       *slog.Logger
}

// NewEngine creates a new reconciliation engine
func NewEngine(opts Options) *Engine {
	if opts.GenerateToken == nil {
		opts.GenerateToken = func() string { return uuid.New().String() }
	}
	if opts.UnknownSlugs == "" {
		opts.UnknownSlugs = IgnoreUnknownSlug
	}
	if opts.DefaultLang == "" {
		opts.DefaultLang = DefaultLang
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Engine{
		catalog:      opts.Catalog,
		lookup:       opts.Lookup,
		crm:          opts.CRM,
		confirmer:    opts.Confirmer,
		genToken:     opts.GenerateToken,
		unknownSlugs: opts.UnknownSlugs,
		sendConfirm:  opts.SendConfirmations,
		defaultLang:  opts.DefaultLang,
		logger:       opts.Logger,
	}
}

// Upsert applies a subscription request: it looks up the user, writes the
// minimal change to the CRM and submits a confirmation email when needed.
// A dispatch failure is reported in Result.ConfirmErr, not as an error.
func (e *Engine) Upsert(ctx context.Context, kind Kind, req *Request) (*Result, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if req.Email == "" && req.Token == "" {
		return nil, ErrNoIdentifier
	}

	logger := e.logger.With("kind", kind, "key", req.Key())

	requested := ParseNewsletters(req.Newsletters)
	known, dropped, err := e.resolve(ctx, requested)
	if err != nil {
		return nil, err
	}
	if len(dropped) > 0 {
		logger.Warn("ignoring unknown newsletters", "slugs", dropped)
	}

	user, err := e.lookup.Lookup(ctx, req.Email, req.Token)
	if err != nil {
		return nil, &RetryableError{Op: "lookup user", Err: err}
	}

	var current []string
	if user != nil {
		current = user.Newsletters
	}
	slugs := make([]string, 0, len(known))
	for _, slug := range requested {
		if known[slug] != nil {
			slugs = append(slugs, slug)
		}
	}
	delta := ComputeDelta(kind, slugs, current)
	// unknown slugs are neither added nor removed, even by Set
	for _, slug := range dropped {
		delete(delta, slug)
	}

	write := newWrite(req, delta)
	result := &Result{
		Write:   write,
		Dropped: dropped,
		Format:  authoritativeFormat(write.Format, user),
	}

	confirmed := req.Optin || (user != nil && user.Optin)
	if req.Optin && (user == nil || !user.Optin) {
		write.Optin = boolPtr(true)
	}
	if req.Optout && (user == nil || !user.Optout) {
		write.Optout = boolPtr(true)
	}

	var variant Variant
	subscribed := delta.Subscribed()
	if kind != Unsubscribe && len(subscribed) > 0 && !confirmed {
		newsletters := make([]*Newsletter, 0, len(subscribed))
		needsOptin := false
		for _, slug := range subscribed {
			nl := known[slug]
			newsletters = append(newsletters, nl)
			if nl.RequiresDoubleOptin {
				needsOptin = true
			}
		}
		if needsOptin {
			variant = SelectVariant(newsletters)
		} else {
			write.Optin = boolPtr(true)
		}
	}

	if user == nil {
		result.Token = req.Token
		if result.Token == "" {
			result.Token = e.genToken()
		}
		write.Token = result.Token
		if err := e.crm.Add(ctx, write); err != nil {
			return nil, fmt.Errorf("failed to add contact: %w", err)
		}
		result.Created = true
		logger.Info("contact created", "subscribed", subscribed)
	} else {
		if kind != Unsubscribe && user.Optout && !req.Optout {
			write.Optout = boolPtr(false)
		}
		result.Token = user.Token
		if result.Token == "" {
			result.Token = e.genToken()
			write.Token = result.Token
		}
		if err := e.crm.Update(ctx, user, write); err != nil {
			return nil, fmt.Errorf("failed to update contact: %w", err)
		}
		logger.Info("contact updated",
			"subscribed", subscribed,
			"unsubscribed", delta.Unsubscribed(),
		)
	}

	if variant != "" {
		e.confirm(ctx, logger, result, req, user, variant)
	}

	return result, nil
}

// resolve splits requested slugs into known newsletters and unknown slugs
func (e *Engine) resolve(ctx context.Context, requested []string) (map[string]*Newsletter, []string, error) {
	if len(requested) == 0 {
		return map[string]*Newsletter{}, nil, nil
	}

	known, err := e.catalog.Newsletters(ctx, requested)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load newsletters: %w", err)
	}

	var dropped []string
	for _, slug := range requested {
		if known[slug] == nil {
			dropped = append(dropped, slug)
		}
	}
	if len(dropped) > 0 && e.unknownSlugs == RejectUnknownSlug {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnknownNewsletter, dropped)
	}

	return known, dropped, nil
}

func (e *Engine) confirm(ctx context.Context, logger *slog.Logger, result *Result, req *Request, user *UserData, variant Variant) {
	email := req.Email
	if email == "" && user != nil {
		email = user.Email
	}
	lang := req.Lang
	if lang == "" {
		lang = e.defaultLang
	}

	result.Confirm = &Confirmation{
		Email:   email,
		Token:   result.Token,
		Lang:    lang,
		Variant: variant,
	}

	if !e.sendConfirm || e.confirmer == nil {
		logger.Debug("confirmation messages disabled", "variant", variant)
		return
	}
	if email == "" {
		result.ConfirmErr = ErrNoConfirmAddress
		logger.Warn("cannot send confirmation", "error", ErrNoConfirmAddress)
		return
	}

	if err := e.confirmer.SendConfirm(ctx, email, result.Token, lang, variant); err != nil {
		result.ConfirmErr = err
		logger.Error("failed to submit confirmation", "error", err)
		return
	}
	result.Dispatched = true
	logger.Info("confirmation submitted", "lang", lang, "variant", variant)
}

// newWrite never carries the request token: a stored contact's token is
// only set on creation or when the record has none.
func newWrite(req *Request, delta Delta) *Write {
	return &Write{
		Email:       req.Email,
		Format:      normalizeFormat(req.Format),
		Country:     req.Country,
		Lang:        req.Lang,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		SourceURL:   req.SourceURL,
		Newsletters: delta,
	}
}

func authoritativeFormat(requested string, user *UserData) string {
	if requested != "" {
		return requested
	}
	if user != nil && user.Format != "" {
		return normalizeFormat(user.Format)
	}
	return "H"
}
