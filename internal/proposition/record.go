package proposition

// Record renders the proposition in the internal record shape. Only the
// populated detail variant is written so the record decodes back to the same
// shape.
func (p *Proposition) Record() map[string]any {
	items := make([]any, 0, len(p.Offers))
	for _, o := range p.Offers {
		items = append(items, o.record())
	}
	rec := map[string]any{
		KeyID:    p.ID,
		KeyScope: p.Scope,
		KeyItems: items,
	}
	switch d := p.Details.(type) {
	case ScopeDetails:
		rec[KeyScopeDetails] = map[string]any(d)
	case ActivityPlacement:
		rec[KeyActivity] = d.Activity
		rec[KeyPlacement] = d.Placement
	}
	return rec
}

func (o *Offer) record() map[string]any {
	rec := map[string]any{
		KeyID:         o.ID,
		keyItemEtag:   o.Etag,
		keyItemScore:  o.Score,
		keyItemSchema: o.Schema,
	}
	if o.Meta != nil {
		rec[keyItemMeta] = o.Meta
	}
	if o.Schema == DefaultContentSchema && o.Content == "" {
		return rec
	}
	data := map[string]any{
		keyDataID:      o.ID,
		keyDataType:    o.Type.String(),
		keyDataContent: o.Content,
	}
	if o.Language != nil {
		data[keyDataLanguage] = o.Language
	}
	if o.Characteristics != nil {
		data[keyDataTraits] = o.Characteristics
	}
	rec[keyItemData] = data
	return rec
}

// Records renders a scope keyed result set as a list of records.
func Records(props map[string]*Proposition) []any {
	out := make([]any, 0, len(props))
	for _, p := range props {
		out = append(out, p.Record())
	}
	return out
}
