package proposition

import (
	"maps"
	"reflect"
	"slices"
	"sync/atomic"
)

// Details carries the scope metadata of a Proposition. It is one of
// ScopeDetails (target and journey payloads) or ActivityPlacement (offer
// decisioning payloads).
type Details interface{ isDetails() }

type ScopeDetails map[string]any

// ActivityPlacement is the offer decisioning detail shape.
type ActivityPlacement struct {
	Activity  map[string]any
	Placement map[string]any
}

func (ScopeDetails) isDetails()      {}
func (ActivityPlacement) isDetails() {}

// parentRef is shared by a Proposition and its offers. Clearing it marks the
// proposition as evicted for every offer at once.
type parentRef struct{ p atomic.Pointer[Proposition] }

// Offer is one content item of a Proposition.
type Offer struct {
	ID              string
	Etag            string
	Score           float64
	Schema          string
	Meta            map[string]any
	Type            OfferType
	Language        []string
	Content         string
	Characteristics map[string]string

	parent *parentRef
}

// Proposition returns the owning proposition while it is still live.
func (o *Offer) Proposition() (*Proposition, bool) {
	if o == nil || o.parent == nil {
		return nil, false
	}
	p := o.parent.p.Load()
	return p, p != nil
}

// Equal compares content fields; the parent link is not part of identity.
func (o *Offer) Equal(other *Offer) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.ID == other.ID &&
		o.Etag == other.Etag &&
		o.Score == other.Score &&
		o.Schema == other.Schema &&
		o.Type == other.Type &&
		o.Content == other.Content &&
		equalMaps(o.Meta, other.Meta) &&
		slices.Equal(o.Language, other.Language) &&
		maps.Equal(o.Characteristics, other.Characteristics)
}

// Proposition is the decisioning result for one scope.
type Proposition struct {
	ID      string
	Scope   string
	Offers  []*Offer
	Details Details

	ref *parentRef
}

// NewWithScopeDetails builds a target/journey shaped proposition.
func NewWithScopeDetails(id, scope string, details map[string]any, offers []*Offer) *Proposition {
	if details == nil {
		details = map[string]any{}
	}
	return link(&Proposition{ID: id, Scope: scope, Offers: offers, Details: ScopeDetails(details)})
}

// NewWithActivity builds an offer decisioning shaped proposition.
func NewWithActivity(id, scope string, activity, placement map[string]any, offers []*Offer) *Proposition {
	if activity == nil {
		activity = map[string]any{}
	}
	if placement == nil {
		placement = map[string]any{}
	}
	return link(&Proposition{ID: id, Scope: scope, Offers: offers, Details: ActivityPlacement{Activity: activity, Placement: placement}})
}

func link(p *Proposition) *Proposition {
	if p.Offers == nil {
		p.Offers = []*Offer{}
	}
	p.ref = &parentRef{}
	p.ref.p.Store(p)
	for _, o := range p.Offers {
		if o != nil && o.parent == nil {
			o.parent = p.ref
		}
	}
	return p
}

// ScopeDetails returns the detail map of a target/journey proposition, nil
// for the activity/placement shape.
func (p *Proposition) ScopeDetails() map[string]any {
	if d, ok := p.Details.(ScopeDetails); ok {
		return d
	}
	return nil
}

// ActivityPlacement returns the offer decisioning details, if that is the shape.
func (p *Proposition) ActivityPlacement() (ActivityPlacement, bool) {
	d, ok := p.Details.(ActivityPlacement)
	return d, ok
}

// Release expires the parent link held by this proposition's offers.
func (p *Proposition) Release() {
	if p != nil && p.ref != nil {
		p.ref.p.Store(nil)
	}
}

func (p *Proposition) Equal(other *Proposition) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.ID != other.ID || p.Scope != other.Scope || len(p.Offers) != len(other.Offers) {
		return false
	}
	for i := range p.Offers {
		if !p.Offers[i].Equal(other.Offers[i]) {
			return false
		}
	}
	switch d := p.Details.(type) {
	case ScopeDetails:
		od, ok := other.Details.(ScopeDetails)
		return ok && equalMaps(d, od)
	case ActivityPlacement:
		od, ok := other.Details.(ActivityPlacement)
		return ok && equalMaps(d.Activity, od.Activity) && equalMaps(d.Placement, od.Placement)
	default:
		return other.Details == nil
	}
}

// empty and nil collections compare equal
func equalMaps(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
