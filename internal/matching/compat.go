package matching

import "github.com/whisper/signaling/internal/session"

// GenderCompatible reports whether two gender filters can be paired: either
// side is a wildcard, or both declared the same value.
func GenderCompatible(a, b session.Gender) bool {
	if a.IsWildcard() || b.IsWildcard() {
		return true
	}
	return a == b
}

// InterestsCompatible reports whether two interest sets can be paired: either
// set is empty, or they share at least one tag.
func InterestsCompatible(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	return len(SharedInterests(a, b)) > 0
}

// Compatible reports whether a requester and a queued candidate satisfy both
// the gender and the interest rule.
func Compatible(requester, candidate session.Preferences) bool {
	return GenderCompatible(requester.Gender, candidate.Gender) &&
		InterestsCompatible(requester.Interests, candidate.Interests)
}

// SharedInterests returns the tags present in both sets, in a's order.
func SharedInterests(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	inB := make(map[string]struct{}, len(b))
	for _, tag := range b {
		inB[tag] = struct{}{}
	}
	var shared []string
	for _, tag := range a {
		if _, ok := inB[tag]; ok {
			shared = append(shared, tag)
		}
	}
	return shared
}
