package scope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrBlankField = errors.New("activity and placement ids must not be blank")

// DecisionScope names a content slot. The name is either opaque or the
// base64 form of a structured activity/placement scope.
type DecisionScope struct {
	Name string `json:"name"`
}

// Structured is the decoded form of an activity/placement scope.
type Structured struct {
	ActivityID  string `json:"activityId"`
	PlacementID string `json:"placementId"`
	ItemCount   int    `json:"itemCount,omitempty"`
}

func New(name string) DecisionScope { return DecisionScope{Name: name} }

// FromActivity builds a structured scope. Blank ids are rejected here rather
// than in Encode, which only formats.
func FromActivity(activityID, placementID string, itemCount int) (DecisionScope, error) {
	if strings.TrimSpace(activityID) == "" || strings.TrimSpace(placementID) == "" {
		return DecisionScope{}, fmt.Errorf("scope from activity: %w", ErrBlankField)
	}
	return DecisionScope{Name: Encode(activityID, placementID, itemCount)}, nil
}

// Encode returns the canonical name for a structured scope. Field order is
// fixed by the Structured layout so equal inputs give equal names.
func Encode(activityID, placementID string, itemCount int) string {
	if itemCount < 0 {
		itemCount = 0
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// strings and ints always marshal
	_ = enc.Encode(Structured{ActivityID: activityID, PlacementID: placementID, ItemCount: itemCount})
	return base64.StdEncoding.EncodeToString(bytes.TrimRight(buf.Bytes(), "\n"))
}

func IsValid(name string) bool { return strings.TrimSpace(name) != "" }

func (s DecisionScope) IsValid() bool { return IsValid(s.Name) }

// Decode reports the structured triple behind an encoded name. Opaque names
// return false.
func (s DecisionScope) Decode() (Structured, bool) {
	raw, err := base64.StdEncoding.DecodeString(s.Name)
	if err != nil {
		return Structured{}, false
	}
	var st Structured
	if err := json.Unmarshal(raw, &st); err != nil {
		return Structured{}, false
	}
	if st.ActivityID == "" || st.PlacementID == "" {
		return Structured{}, false
	}
	if st.ItemCount < 0 {
		st.ItemCount = 0
	}
	return st, true
}

// Dedupe drops invalid and repeated names, keeping first-seen order.
func Dedupe(scopes []DecisionScope) []DecisionScope {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]DecisionScope, 0, len(scopes))
	for _, s := range scopes {
		if !s.IsValid() {
			continue
		}
		if _, ok := seen[s.Name]; ok {
			continue
		}
		seen[s.Name] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Names flattens scopes to their canonical names.
func Names(scopes []DecisionScope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = s.Name
	}
	return out
}
