package proposition

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"decision-cache/internal/scope"
)

// Wire keys of a proposition record.
const (
	KeyID           = "id"
	KeyScope        = "scope"
	KeyScopeDetails = "scopeDetails"
	KeyActivity     = "activity"
	KeyPlacement    = "placement"
	KeyItems        = "items"

	keyItemEtag        = "etag"
	keyItemScore       = "score"
	keyItemSchema      = "schema"
	keyItemMeta        = "meta"
	keyItemData        = "data"
	keyDataID          = "id"
	keyDataContent     = "content"
	keyDataDeliveryURL = "deliveryURL"
	keyDataFormat      = "format"
	keyDataType        = "type"
	keyDataLanguage    = "language"
	keyDataTraits      = "characteristics"
)

// DefaultContentSchema marks an item that carries no content on purpose.
const DefaultContentSchema = "https://ns.adobe.com/personalization/default-content-item"

// Decode builds a Proposition from one response record. Malformed input
// yields false; it never panics on untrusted data.
func Decode(rec map[string]any) (*Proposition, bool) {
	if len(rec) == 0 {
		log.Debug().Msg("proposition record is empty")
		return nil, false
	}
	id, _ := rec[KeyID].(string)
	sc, _ := rec[KeyScope].(string)
	if strings.TrimSpace(id) == "" || !scope.IsValid(sc) {
		log.Debug().Str("id", id).Str("scope", sc).Msg("proposition record missing id or scope")
		return nil, false
	}

	var offers []*Offer
	if raw, present := rec[KeyItems]; present && raw != nil {
		items, ok := asList(raw)
		if !ok {
			log.Debug().Str("id", id).Msg("proposition items is not a list")
			return nil, false
		}
		offers = make([]*Offer, 0, len(items))
		for _, it := range items {
			m, ok := asMap(it)
			if !ok {
				continue
			}
			if o, ok := decodeOffer(m); ok {
				offers = append(offers, o)
			}
		}
	}

	if raw, present := rec[KeyScopeDetails]; present && raw != nil {
		details, ok := asMap(raw)
		if !ok {
			log.Debug().Str("id", id).Msg("proposition scopeDetails is not a map")
			return nil, false
		}
		return NewWithScopeDetails(id, sc, details, offers), true
	}
	activity, _ := asMap(rec[KeyActivity])
	placement, _ := asMap(rec[KeyPlacement])
	return NewWithActivity(id, sc, activity, placement, offers), true
}

// DecodeAll decodes every record it can and drops the rest.
func DecodeAll(records []any) []*Proposition {
	out := make([]*Proposition, 0, len(records))
	for _, r := range records {
		m, ok := asMap(r)
		if !ok {
			continue
		}
		if p, ok := Decode(m); ok {
			out = append(out, p)
		}
	}
	return out
}

func decodeOffer(item map[string]any) (*Offer, bool) {
	id, _ := item[KeyID].(string)
	if strings.TrimSpace(id) == "" {
		log.Debug().Msg("offer item missing id")
		return nil, false
	}
	o := &Offer{ID: id}
	o.Etag, _ = item[keyItemEtag].(string)
	o.Schema, _ = item[keyItemSchema].(string)
	if score, ok := asFloat(item[keyItemScore]); ok {
		o.Score = score
	}
	if meta, ok := asMap(item[keyItemMeta]); ok {
		o.Meta = meta
	}

	data, ok := asMap(item[keyItemData])
	if !ok || len(data) == 0 {
		if o.Schema != DefaultContentSchema {
			log.Debug().Str("offer", id).Msg("offer item has no data")
			return nil, false
		}
		return o, true
	}
	// An absent data.id is tolerated; a present one must match the item.
	if nested, present := data[keyDataID]; present {
		if s, _ := nested.(string); s != id {
			log.Debug().Str("offer", id).Msg("offer data id does not match item id")
			return nil, false
		}
	}

	content, ok := contentOf(data)
	if !ok {
		log.Debug().Str("offer", id).Msg("offer data has no usable content")
		return nil, false
	}
	o.Content = content
	o.Type = resolveType(data, o.Schema)
	o.Language = asStrings(data[keyDataLanguage])
	o.Characteristics = asStringMap(data[keyDataTraits])
	return o, true
}

func contentOf(data map[string]any) (string, bool) {
	switch c := data[keyDataContent].(type) {
	case string:
		return c, true
	case map[string]any, []any:
		b, err := json.Marshal(c)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
	if u, ok := data[keyDataDeliveryURL].(string); ok && u != "" {
		return u, true
	}
	return "", false
}

func resolveType(data map[string]any, schema string) OfferType {
	if code, ok := asInt(data[keyDataType]); ok {
		if t, ok := offerTypeFromCode(code); ok {
			return t
		}
	}
	if name, ok := data[keyDataType].(string); ok {
		if t, ok := offerTypeFromName(name); ok {
			return t
		}
	}
	if format, ok := data[keyDataFormat].(string); ok {
		if t, ok := offerTypeFromFormat(format); ok {
			return t
		}
	}
	if t, ok := offerTypeFromSchema(schema); ok {
		return t
	}
	return Unknown
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case ScopeDetails:
		return m, true
	}
	return nil, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []map[string]any:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, true
	}
	return nil, false
}

func asStrings(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asStringMap(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, e := range m {
			if s, ok := e.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// asInt accepts integral numbers only; 1.5 is not a type code.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
