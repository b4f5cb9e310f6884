package services

import (
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// MatchTradeInOffer picks the best offer whose keyword is contained in the model keyword.
// Longer offer keywords win, then higher priority, then input order. Callers filter offers
// by brand, condition and active state beforehand. A nil result means no candidate.
func MatchTradeInOffer(offers []TradeInOffer, modelKeyword string) *TradeInOffer {
	input := normalizeKeyword(modelKeyword)
	if input == "" {
		return nil
	}

	type candidate struct {
		offer  TradeInOffer
		length int
	}
	candidates := make([]candidate, 0, len(offers))
	for _, offer := range offers {
		keyword := normalizeKeyword(offer.ModelKeyword)
		if keyword == "" || !strings.Contains(input, keyword) {
			continue
		}
		candidates = append(candidates, candidate{offer: offer, length: utf8.RuneCountInString(keyword)})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].length != candidates[j].length {
			return candidates[i].length > candidates[j].length
		}
		return candidates[i].offer.Priority > candidates[j].offer.Priority
	})
	best := candidates[0].offer
	return &best
}

// normalizeKeyword folds compatibility forms (full-width digits and letters) and lowercases.
func normalizeKeyword(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return strings.TrimSpace(cases.Lower(language.Und).String(norm.NFKC.String(raw)))
}
