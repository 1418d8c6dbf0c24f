// Package catalog resolves newsletter definitions by slug.
package catalog

import (
	"context"
	"sort"

	"github.com/foxzi/basket/internal/news"
)

// Lister is a catalog that can enumerate all of its newsletters
type Lister interface {
	news.Catalog
	List(ctx context.Context) ([]*news.Newsletter, error)
}

// Static is a catalog held in memory, usually built from the config file
type Static struct {
	newsletters map[string]*news.Newsletter
}

// NewStatic creates a static catalog. Later duplicates of a slug win.
func NewStatic(newsletters []news.Newsletter) *Static {
	s := &Static{newsletters: make(map[string]*news.Newsletter, len(newsletters))}
	for i := range newsletters {
		nl := newsletters[i]
		s.newsletters[nl.Slug] = &nl
	}
	return s
}

// Newsletters returns the definitions of the known slugs
func (s *Static) Newsletters(ctx context.Context, slugs []string) (map[string]*news.Newsletter, error) {
	out := make(map[string]*news.Newsletter, len(slugs))
	for _, slug := range slugs {
		if nl, ok := s.newsletters[slug]; ok {
			out[slug] = nl
		}
	}
	return out, nil
}

// List returns all newsletters sorted by slug
func (s *Static) List(ctx context.Context) ([]*news.Newsletter, error) {
	out := make([]*news.Newsletter, 0, len(s.newsletters))
	for _, nl := range s.newsletters {
		out = append(out, nl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}
