// Package dnscheck verifies the DNS records of the confirmation sending domain.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ErrInvalidDomain is returned for malformed domain names
var ErrInvalidDomain = errors.New("invalid domain name")

// domainRegex validates domain name format (RFC 1035)
var domainRegex = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

var selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// Check statuses
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if DKIM selector is valid
func ValidateSelector(selector string) error {
	if selector == "" {
		return errors.New("selector is required")
	}
	if len(selector) > 63 {
		return errors.New("selector too long")
	}
	if !selectorRegex.MatchString(selector) {
		return errors.New("invalid selector format")
	}
	return nil
}

// CheckResult represents a single DNS check result
type CheckResult struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// DomainCheckResult contains all DNS check results for a domain
type DomainCheckResult struct {
	Domain  string        `json:"domain"`
	Results []CheckResult `json:"results"`
	Summary Summary       `json:"summary"`
}

// Summary contains check statistics
type Summary struct {
	OK       int `json:"ok"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	NotFound int `json:"not_found"`
}

// Passed reports whether no check failed or was missing
func (s Summary) Passed() bool {
	return s.Errors == 0 && s.NotFound == 0
}

// LookupTXT resolves TXT records
type LookupTXT func(ctx context.Context, name string) ([]string, error)

// Checker runs DNS checks with a pluggable resolver
type Checker struct {
	lookup LookupTXT
}

// NewChecker creates a checker. A nil lookup uses the system resolver.
func NewChecker(lookup LookupTXT) *Checker {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupTXT
	}
	return &Checker{lookup: lookup}
}

// CheckSender checks SPF, DKIM and DMARC for domain. expectedDKIM is the
// record derived from the local signing key; empty skips the comparison.
func (c *Checker) CheckSender(ctx context.Context, domain, selector, expectedDKIM string) (*DomainCheckResult, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if err := ValidateSelector(selector); err != nil {
		return nil, err
	}

	result := &DomainCheckResult{
		Domain: domain,
		Results: []CheckResult{
			c.CheckSPF(ctx, domain),
			c.CheckDKIM(ctx, domain, selector, expectedDKIM),
			c.CheckDMARC(ctx, domain),
		},
	}

	for _, r := range result.Results {
		switch r.Status {
		case StatusOK:
			result.Summary.OK++
		case StatusWarning:
			result.Summary.Warnings++
		case StatusError:
			result.Summary.Errors++
		case StatusNotFound:
			result.Summary.NotFound++
		}
	}

	return result, nil
}

// txt looks up name and reports a not-found or failed lookup in result
func (c *Checker) txt(ctx context.Context, name string, result *CheckResult, missing string) ([]string, bool) {
	records, err := c.lookup(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = missing
			return nil, false
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("Lookup failed: %v", err)
		return nil, false
	}
	return records, true
}

// CheckSPF checks SPF record for a domain
func (c *Checker) CheckSPF(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "SPF Record"}
	const missing = "No SPF record found (recommended to add)"

	records, ok := c.txt(ctx, domain, &result, missing)
	if !ok {
		return result
	}

	for _, txt := range records {
		if !strings.HasPrefix(txt, "v=spf1") {
			continue
		}
		result.Status = StatusOK
		result.Value = txt
		switch {
		case strings.Contains(txt, "+all"):
			result.Status = StatusWarning
			result.Message = "SPF uses +all (allows any sender) - consider using ~all or -all"
		case strings.Contains(txt, "-all"):
			result.Message = "SPF configured with strict policy (-all)"
		case strings.Contains(txt, "~all"):
			result.Message = "SPF configured with soft fail (~all)"
		}
		return result
	}

	result.Status = StatusNotFound
	result.Message = missing
	return result
}

// CheckDKIM checks the DKIM record published for selector
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector, expected string) CheckResult {
	result := CheckResult{Type: fmt.Sprintf("DKIM Record (%s._domainkey)", selector)}

	name := fmt.Sprintf("%s._domainkey.%s", selector, domain)
	records, ok := c.txt(ctx, name, &result, fmt.Sprintf("No DKIM record found for selector '%s'", selector))
	if !ok {
		return result
	}

	// Long keys are split into several strings
	full := strings.Join(records, "")
	result.Value = truncateString(full, 100)

	if !strings.Contains(full, "v=DKIM1") {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DKIM record"
		return result
	}

	published := tagValue(full, "p")
	switch {
	case published == "":
		result.Status = StatusError
		result.Message = "DKIM record missing public key (p=)"
	case expected != "" && published != tagValue(expected, "p"):
		result.Status = StatusError
		result.Message = "Published public key does not match the signing key"
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("DKIM configured with %s key", keyType(full))
	}

	return result
}

// CheckDMARC checks DMARC record for a domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "DMARC Record"}

	records, ok := c.txt(ctx, "_dmarc."+domain, &result, "No DMARC record found (recommended to add)")
	if !ok {
		return result
	}

	full := strings.Join(records, "")
	result.Value = full

	if !strings.HasPrefix(full, "v=DMARC1") {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DMARC record"
		return result
	}

	result.Status = StatusOK
	switch tagValue(full, "p") {
	case "reject":
		result.Message = "DMARC configured with reject policy (strict)"
	case "quarantine":
		result.Message = "DMARC configured with quarantine policy"
	case "none":
		result.Status = StatusWarning
		result.Message = "DMARC configured with none policy (monitoring only)"
	}

	return result
}

// tagValue returns the value of tag in a "k=v; k=v" record
func tagValue(record, tag string) string {
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(k) == tag {
			return strings.Join(strings.Fields(v), "")
		}
	}
	return ""
}

func keyType(record string) string {
	if k := tagValue(record, "k"); k != "" {
		return k
	}
	return "rsa"
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
