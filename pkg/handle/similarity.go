// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/entativa/eid/pkg/storage"
)

// Similarity returns the normalized Levenshtein similarity of two strings:
// 1 - edit(a, b) / max(|a|, |b|), measured in runes. It is symmetric, and 1
// means identical. Callers fold both sides first.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// bestMatch scores a folded candidate against a protected entity's handle
// and every alias, returning the winning score and the string it matched.
func bestMatch(folded string, entity *storage.ProtectedEntity) (float64, string) {
	best := Similarity(folded, Fold(entity.Handle))
	matched := entity.Handle
	for _, alias := range entity.Aliases {
		if s := Similarity(folded, Fold(alias)); s > best {
			best = s
			matched = alias
		}
	}
	return best, matched
}
