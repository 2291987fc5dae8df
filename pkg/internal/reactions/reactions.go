// Package reactions holds the canonical reaction set of a message and the
// emoji toggle applied to it.
//
// Historical records store reactions either as a list of
// {"emoji": ..., "users": [...]} objects or as a map of emoji to users.
// Both are normalized into Set when they cross the storage boundary, so
// every consumer works with a single shape.
package reactions

import (
	"slices"
	"strings"
)

// Set maps an emoji to the ids of the users who applied it.
// In canonical form user ids are unique and ascending, and no emoji maps to
// an empty list.
type Set map[string][]uint

// Toggle applies emoji for userID when absent and removes it when present.
// It never mutates the input and reports whether the reaction was applied.
// Toggling the same pair twice restores the original set.
func Toggle(set Set, emoji string, userID uint) (Set, bool) {
	out := set.Clone()
	users := out[emoji]

	idx, found := slices.BinarySearch(users, userID)
	if found {
		users = slices.Delete(users, idx, idx+1)
		if len(users) == 0 {
			delete(out, emoji)
		} else {
			out[emoji] = users
		}
		return out, false
	}

	out[emoji] = slices.Insert(users, idx, userID)
	return out, true
}

// Clone returns a deep, canonical copy. A nil set clones into an empty one.
func (v Set) Clone() Set {
	out := make(Set, len(v))
	for emoji, users := range v {
		emoji = strings.TrimSpace(emoji)
		if len(emoji) == 0 {
			continue
		}
		merged := canonicalUsers(append(slices.Clone(out[emoji]), users...))
		if len(merged) > 0 {
			out[emoji] = merged
		}
	}
	return out
}

// Has reports whether userID applied emoji.
func (v Set) Has(emoji string, userID uint) bool {
	_, found := slices.BinarySearch(v[emoji], userID)
	return found
}

// Count returns how many users applied emoji.
func (v Set) Count(emoji string) int {
	return len(v[emoji])
}

// Equal compares two sets in canonical form, nil and empty sets are equal.
func Equal(a, b Set) bool {
	a, b = a.Clone(), b.Clone()
	if len(a) != len(b) {
		return false
	}
	for emoji, users := range a {
		if !slices.Equal(users, b[emoji]) {
			return false
		}
	}
	return true
}

func canonicalUsers(users []uint) []uint {
	users = slices.DeleteFunc(users, func(id uint) bool { return id == 0 })
	slices.Sort(users)
	return slices.Compact(users)
}
