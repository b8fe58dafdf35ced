package sync

import (
	"github.com/rmazur/fieldsync/internal/models"
	"github.com/rmazur/fieldsync/internal/sync/reconcile"
)

// Matcher pairs one server record with its local counterpart, if any.
// Matchers are tried in priority order; the first hit wins.
type Matcher interface {
	Name() string
	Match(local []*models.Record, server *models.Record) *models.Record
}

// IDMatcher pairs on server identifier, consulting the reconciliation map so
// a local record still carrying only its temporary identifier is found once
// its mapping is recorded.
type IDMatcher struct {
	ids *reconcile.Map
}

func (m *IDMatcher) Name() string { return "id" }

func (m *IDMatcher) Match(local []*models.Record, server *models.Record) *models.Record {
	if server.ServerID == 0 {
		return nil
	}
	for _, rec := range local {
		if rec.ServerID == server.ServerID {
			return rec
		}
		if m.ids != nil {
			if real, ok := m.ids.Resolve(rec.TempID); ok && real == server.ServerID {
				return rec
			}
		}
	}
	return nil
}

// NaturalKeyMatcher pairs on name within the same category. It catches local
// records whose creation was confirmed on a previous install before the
// mapping survived, at the cost of a possible false pair when names repeat.
type NaturalKeyMatcher struct{}

func (NaturalKeyMatcher) Name() string { return "natural-key" }

func (NaturalKeyMatcher) Match(local []*models.Record, server *models.Record) *models.Record {
	if server.Name == "" {
		return nil
	}
	for _, rec := range local {
		if rec.Name == server.Name && rec.Category == server.Category {
			return rec
		}
	}
	return nil
}

// TemplateIDMatcher pairs on the originating template within the same
// category. Last resort: only meaningful when a template instantiates at
// most once per category.
type TemplateIDMatcher struct{}

func (TemplateIDMatcher) Name() string { return "template-id" }

func (TemplateIDMatcher) Match(local []*models.Record, server *models.Record) *models.Record {
	if server.TemplateID == 0 {
		return nil
	}
	for _, rec := range local {
		if rec.TemplateID == server.TemplateID && rec.Category == server.Category {
			return rec
		}
	}
	return nil
}

// MatcherChain runs matchers in order and returns the first pairing.
type MatcherChain struct {
	matchers []Matcher
}

// NewMatcherChain builds the default chain: identifier first, then the
// name-based natural key, then template origin.
func NewMatcherChain(ids *reconcile.Map) *MatcherChain {
	return &MatcherChain{
		matchers: []Matcher{
			&IDMatcher{ids: ids},
			NaturalKeyMatcher{},
			TemplateIDMatcher{},
		},
	}
}

// Match returns the local counterpart of a server record, plus the name of
// the matcher that paired them. Returns nil when nothing pairs.
func (c *MatcherChain) Match(local []*models.Record, server *models.Record) (*models.Record, string) {
	for _, m := range c.matchers {
		if rec := m.Match(local, server); rec != nil {
			return rec, m.Name()
		}
	}
	return nil, ""
}
