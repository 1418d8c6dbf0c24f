package news

import (
	"strings"
)

// ParseNewsletters splits comma-separated newsletter fields into an ordered
// list of unique slugs. Empty segments are ignored.
func ParseNewsletters(fields []string) []string {
	var slugs []string
	seen := make(map[string]bool)
	for _, field := range fields {
		for _, part := range strings.Split(field, ",") {
			slug := strings.TrimSpace(part)
			if slug == "" || seen[slug] {
				continue
			}
			seen[slug] = true
			slugs = append(slugs, slug)
		}
	}
	return slugs
}

// ComputeDelta returns the changes needed to move a user from current to
// the state requested by kind. An empty request under Set unsubscribes
// from everything.
func ComputeDelta(kind Kind, requested, current []string) Delta {
	have := make(map[string]bool, len(current))
	for _, slug := range current {
		have[slug] = true
	}

	delta := make(Delta)
	switch kind {
	case Subscribe:
		for _, slug := range requested {
			if !have[slug] {
				delta[slug] = true
			}
		}
	case Unsubscribe:
		for _, slug := range requested {
			if have[slug] {
				delta[slug] = false
			}
		}
	case Set:
		want := make(map[string]bool, len(requested))
		for _, slug := range requested {
			want[slug] = true
			if !have[slug] {
				delta[slug] = true
			}
		}
		for slug := range have {
			if !want[slug] {
				delta[slug] = false
			}
		}
	}
	return delta
}

// SelectVariant picks the confirmation template for the newly subscribed
// newsletters. A Firefox double opt-in newsletter mixed with any other
// newsletter gets the general template.
func SelectVariant(subscribed []*Newsletter) Variant {
	fxOptin := false
	other := false
	for _, nl := range subscribed {
		if nl.RequiresDoubleOptin && nl.FirefoxConfirm {
			fxOptin = true
		}
		if !nl.FirefoxConfirm {
			other = true
		}
	}
	if fxOptin && !other {
		return VariantFx
	}
	return VariantMoz
}

// normalizeFormat maps a format preference to T (text) or H (HTML)
func normalizeFormat(format string) string {
	format = strings.TrimSpace(format)
	if format == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToUpper(format), "T") {
		return "T"
	}
	return "H"
}
