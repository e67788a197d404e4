package classify

import (
	"strings"

	"screenshot-audit/model"
)

// PhraseSet groups the phrases that indicate removed/restricted content and
// private accounts.
type PhraseSet struct {
	Unavailable []string `json:"unavailable,omitempty" yaml:"unavailable,omitempty"`
	Private     []string `json:"private,omitempty" yaml:"private,omitempty"`
}

// Dictionary holds the phrase lists consumed by the classifier. Common
// phrases apply to every platform; Platforms adds platform-specific ones.
type Dictionary struct {
	Common    PhraseSet                    `json:"common" yaml:"common"`
	Platforms map[model.Platform]PhraseSet `json:"platforms,omitempty" yaml:"platforms,omitempty"`
}

// DefaultDictionary returns the built-in English phrase lists.
func DefaultDictionary() Dictionary {
	return Dictionary{
		Common: PhraseSet{
			Unavailable: []string{
				"page not found",
				"404 not found",
				"content unavailable",
				"content is no longer available",
				"has been removed",
				"account has been suspended",
				"account suspended",
				"not available in your country",
				"restricted in your country",
			},
			Private: []string{
				"this account is private",
				"this profile is private",
			},
		},
		Platforms: map[model.Platform]PhraseSet{
			model.Facebook: {
				Unavailable: []string{
					"this content isn't available right now",
					"this content isn't available at the moment",
					"this page isn't available",
					"the link you followed may be broken",
					"this account has been disabled",
				},
				Private: []string{
					"only shared it with a small group",
					"changed who can see it",
				},
			},
			model.Instagram: {
				Unavailable: []string{
					"sorry, this page isn't available",
					"the link you followed may be broken",
					"user not found",
				},
				Private: []string{
					"follow to see their photos and videos",
				},
			},
		},
	}
}

// Merge overlays other onto d. Non-empty lists in other replace the lists in d.
func (d Dictionary) Merge(other Dictionary) Dictionary {
	out := Dictionary{
		Common:    mergeSet(d.Common, other.Common),
		Platforms: make(map[model.Platform]PhraseSet, len(d.Platforms)+len(other.Platforms)),
	}
	for p, set := range d.Platforms {
		out.Platforms[p] = set
	}
	for p, set := range other.Platforms {
		out.Platforms[p] = mergeSet(out.Platforms[p], set)
	}
	return out
}

func mergeSet(base, over PhraseSet) PhraseSet {
	if len(over.Unavailable) > 0 {
		base.Unavailable = over.Unavailable
	}
	if len(over.Private) > 0 {
		base.Private = over.Private
	}
	return base
}

// phrases returns the normalized phrase lists applicable to platform.
func (d Dictionary) phrases(platform model.Platform) (unavailable, private []string) {
	set := d.Platforms[platform]
	unavailable = normalizeAll(set.Unavailable, d.Common.Unavailable)
	private = normalizeAll(set.Private, d.Common.Private)
	return unavailable, private
}

func normalizeAll(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, p := range list {
			n := normalizeText(p)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

var quoteReplacer = strings.NewReplacer("\u2019", "'", "\u2018", "'", "\u00a0", " ")

// normalizeText lower-cases s, folds typographic apostrophes and collapses
// whitespace so phrases match rendered text regardless of layout.
func normalizeText(s string) string {
	s = quoteReplacer.Replace(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}
