package sigma

import (
	"fmt"
	"sort"
	"strings"
)

// Atom is one normalized field-op-value triple from a rule's detection block.
// The canonical string form is "field|modifiers=value", all lowercased, which
// makes set operations cheap.
type Atom string

// AtomSet is a set of detection atoms.
type AtomSet map[Atom]bool

// Atoms extracts the detection atoms of a parsed rule. Keyword lists (bare
// value lists without field names) produce atoms with the pseudo-field
// "keyword".
func Atoms(r *Rule) AtomSet {
	set := make(AtomSet)
	if r == nil {
		return set
	}
	for name, body := range r.Detection {
		if name == "condition" || name == "timeframe" {
			continue
		}
		collectAtoms(body, set)
	}
	return set
}

func collectAtoms(body any, set AtomSet) {
	switch v := body.(type) {
	case map[string]any:
		for field, value := range v {
			for _, scalar := range scalars(value) {
				set[makeAtom(field, scalar)] = true
			}
		}
	case []any:
		for _, item := range v {
			switch it := item.(type) {
			case map[string]any:
				collectAtoms(it, set)
			default:
				set[makeAtom("keyword", it)] = true
			}
		}
	}
}

func scalars(value any) []any {
	if list, ok := value.([]any); ok {
		return list
	}
	return []any{value}
}

func makeAtom(field string, value any) Atom {
	return Atom(strings.ToLower(fmt.Sprintf("%s=%v", field, value)))
}

// Sorted returns the atoms in deterministic order, for fingerprints and tests.
func (s AtomSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, string(a))
	}
	sort.Strings(out)
	return out
}

// Equal reports whether two atom sets are identical.
func (s AtomSet) Equal(other AtomSet) bool {
	if len(s) != len(other) {
		return false
	}
	for a := range s {
		if !other[a] {
			return false
		}
	}
	return true
}

// Jaccard computes |A∩B| / |A∪B|. Two empty sets are defined as identical
// (similarity 1.0).
func Jaccard(a, b AtomSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for atom := range a {
		if b[atom] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
