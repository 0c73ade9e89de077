package session

import "fmt"

// Gender is a declared gender filter.
type Gender string

const (
	GenderUnset  Gender = ""
	GenderAny    Gender = "any"
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

// IsValid reports whether g is one of the declared filter values.
func (g Gender) IsValid() bool {
	switch g {
	case GenderUnset, GenderAny, GenderMale, GenderFemale, GenderOther:
		return true
	}
	return false
}

// IsWildcard reports whether g places no constraint on a partner.
func (g Gender) IsWildcard() bool {
	return g == GenderUnset || g == GenderAny
}

// Preferences are a session's last-declared match filters.
type Preferences struct {
	Gender    Gender
	Interests []string
}

// NewPreferences builds Preferences from wire values. Interests are treated
// as a set: empty tags and duplicates are dropped, first occurrence order is
// kept. An unknown gender is rejected.
func NewPreferences(gender string, interests []string) (Preferences, error) {
	g := Gender(gender)
	if !g.IsValid() {
		return Preferences{}, fmt.Errorf("session: unknown gender filter %q", gender)
	}

	seen := make(map[string]struct{}, len(interests))
	tags := make([]string, 0, len(interests))
	for _, tag := range interests {
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	return Preferences{Gender: g, Interests: tags}, nil
}

// HasGender reports whether a gender filter was declared at all. "any" counts
// as declared.
func (p Preferences) HasGender() bool {
	return p.Gender != GenderUnset
}

// Clone returns a deep copy, used when a queue entry snapshots preferences.
func (p Preferences) Clone() Preferences {
	out := Preferences{Gender: p.Gender}
	if len(p.Interests) > 0 {
		out.Interests = make([]string, len(p.Interests))
		copy(out.Interests, p.Interests)
	}
	return out
}
