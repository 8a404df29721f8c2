package xdm

import (
	"github.com/rs/zerolog/log"

	"decision-cache/internal/proposition"
)

const (
	EventTypeDisplay  = "decisioning.propositionDisplay"
	EventTypeInteract = "decisioning.propositionInteract"

	KeyEventType     = "eventType"
	KeyExperience    = "_experience"
	KeyDecisioning   = "decisioning"
	KeyPropositions  = "propositions"
	KeyPropositionID = "propositionID"
	keyID            = "id"
	keyScope         = "scope"
	keyScopeDetails  = "scopeDetails"
	keyItems         = "items"
)

// Display builds a display interaction payload. Entries carry no items.
func Display(props ...*proposition.Proposition) map[string]any {
	entries := make([]any, 0, len(props))
	for _, p := range props {
		if p == nil {
			continue
		}
		entries = append(entries, entry(p))
	}
	if len(entries) == 0 {
		return nil
	}
	return interaction(EventTypeDisplay, entries)
}

// Tap builds an interact payload for offerID within p. An empty offerID, or
// one that is not among p's offers, falls back to the first offer that has
// an id.
func Tap(p *proposition.Proposition, offerID string) map[string]any {
	if p == nil {
		return nil
	}
	e := entry(p)
	if id := tappedOfferID(p, offerID); id != "" {
		e[keyItems] = []any{map[string]any{keyID: id}}
	}
	return interaction(EventTypeInteract, []any{e})
}

// TapOffer resolves the offer's proposition and builds its interact
// payload. A released proposition yields nil.
func TapOffer(o *proposition.Offer) map[string]any {
	p, ok := o.Proposition()
	if !ok {
		log.Debug().Str("offer", offerIDOf(o)).Msg("offer proposition released; no interaction payload")
		return nil
	}
	return Tap(p, o.ID)
}

// DisplayOffers builds one display payload for the distinct live
// propositions behind offers.
func DisplayOffers(offers []*proposition.Offer) map[string]any {
	seen := map[string]struct{}{}
	var props []*proposition.Proposition
	for _, o := range offers {
		p, ok := o.Proposition()
		if !ok {
			log.Debug().Str("offer", offerIDOf(o)).Msg("offer proposition released; skipped")
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		props = append(props, p)
	}
	return Display(props...)
}

// Reference tags an unrelated event with the proposition lineage. Callers
// add their own eventType.
func Reference(p *proposition.Proposition) map[string]any {
	if p == nil {
		return nil
	}
	return map[string]any{
		KeyExperience: map[string]any{
			KeyDecisioning: map[string]any{KeyPropositionID: p.ID},
		},
	}
}

func entry(p *proposition.Proposition) map[string]any {
	return map[string]any{
		keyID:           p.ID,
		keyScope:        p.Scope,
		keyScopeDetails: p.ScopeDetails(),
	}
}

func interaction(eventType string, entries []any) map[string]any {
	return map[string]any{
		KeyEventType: eventType,
		KeyExperience: map[string]any{
			KeyDecisioning: map[string]any{KeyPropositions: entries},
		},
	}
}

func tappedOfferID(p *proposition.Proposition, offerID string) string {
	first := ""
	for _, o := range p.Offers {
		if o == nil || o.ID == "" {
			continue
		}
		if offerID != "" && o.ID == offerID {
			return o.ID
		}
		if first == "" {
			first = o.ID
		}
	}
	if offerID != "" && first != "" {
		log.Debug().Str("offer", offerID).Str("proposition", p.ID).Msg("tapped offer not in proposition; using first offer")
	}
	return first
}

func offerIDOf(o *proposition.Offer) string {
	if o == nil {
		return ""
	}
	return o.ID
}
