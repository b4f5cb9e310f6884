// Package seed loads curated trade-in offers and TAC device maps from YAML documents.
package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	domain "github.com/hanko-field/tradein/internal/domain"
	"github.com/hanko-field/tradein/internal/repositories"
)

// Document is the YAML layout of a seed file.
type Document struct {
	Offers     []OfferRecord     `yaml:"offers"`
	DeviceMaps []DeviceMapRecord `yaml:"device_maps"`
}

// OfferRecord is one offer entry. Active defaults to true when omitted.
type OfferRecord struct {
	ID           string         `yaml:"id"`
	Brand        string         `yaml:"brand"`
	DeviceType   string         `yaml:"device_type"`
	ModelKeyword string         `yaml:"model_keyword"`
	Condition    string         `yaml:"condition"`
	Amount       int64          `yaml:"amount"`
	CurrencyCode string         `yaml:"currency_code"`
	Active       *bool          `yaml:"active"`
	Priority     int            `yaml:"priority"`
	Metadata     map[string]any `yaml:"metadata"`
}

// DeviceMapRecord is one TAC mapping entry. Active defaults to true when omitted.
type DeviceMapRecord struct {
	ID           string `yaml:"id"`
	TACPrefix    string `yaml:"tac_prefix"`
	Brand        string `yaml:"brand"`
	DeviceType   string `yaml:"device_type"`
	ModelKeyword string `yaml:"model_keyword"`
	Priority     int    `yaml:"priority"`
	Active       *bool  `yaml:"active"`
}

// Plan is a validated seed document ready to be written.
type Plan struct {
	Offers     []domain.TradeInOffer
	DeviceMaps []domain.TradeInDeviceMap
}

// Summary counts the records written by Apply.
type Summary struct {
	Offers     int
	DeviceMaps int
}

// Defaults fill brand and currency when a record omits them.
type Defaults struct {
	Brand    string
	Currency string
}

// Parse decodes data and validates every record through the domain constructors.
// All record errors are reported together.
func Parse(data []byte, defaults Defaults) (Plan, error) {
	var doc Document
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Plan{}, fmt.Errorf("seed: decode yaml: %w", err)
	}

	var (
		plan Plan
		errs []error
	)
	seenOffers := make(map[string]int, len(doc.Offers))
	for i, rec := range doc.Offers {
		offer, err := domain.NewTradeInOffer(domain.TradeInOfferInput{
			ID:           rec.ID,
			Brand:        firstNonEmpty(rec.Brand, defaults.Brand),
			DeviceType:   rec.DeviceType,
			ModelKeyword: rec.ModelKeyword,
			Condition:    rec.Condition,
			Amount:       rec.Amount,
			CurrencyCode: firstNonEmpty(rec.CurrencyCode, defaults.Currency),
			Active:       boolOrTrue(rec.Active),
			Priority:     rec.Priority,
			Metadata:     rec.Metadata,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("offers[%d]: %w", i, err))
			continue
		}
		if offer.ID == "" {
			offer.ID = slug(offer.Brand, offer.ModelKeyword, string(offer.Condition))
		}
		if prev, dup := seenOffers[offer.ID]; dup {
			errs = append(errs, fmt.Errorf("offers[%d]: duplicate id %q (first at offers[%d])", i, offer.ID, prev))
			continue
		}
		seenOffers[offer.ID] = i
		plan.Offers = append(plan.Offers, offer)
	}

	seenMaps := make(map[string]int, len(doc.DeviceMaps))
	for i, rec := range doc.DeviceMaps {
		mapping, err := domain.NewTradeInDeviceMap(domain.TradeInDeviceMapInput{
			ID:           rec.ID,
			TACPrefix:    rec.TACPrefix,
			Brand:        firstNonEmpty(rec.Brand, defaults.Brand),
			DeviceType:   rec.DeviceType,
			ModelKeyword: rec.ModelKeyword,
			Priority:     rec.Priority,
			Active:       boolOrTrue(rec.Active),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("device_maps[%d]: %w", i, err))
			continue
		}
		if mapping.ID == "" {
			mapping.ID = slug("tac", mapping.TACPrefix, mapping.ModelKeyword)
		}
		if prev, dup := seenMaps[mapping.ID]; dup {
			errs = append(errs, fmt.Errorf("device_maps[%d]: duplicate id %q (first at device_maps[%d])", i, mapping.ID, prev))
			continue
		}
		seenMaps[mapping.ID] = i
		plan.DeviceMaps = append(plan.DeviceMaps, mapping)
	}

	if len(errs) > 0 {
		return Plan{}, errors.Join(errs...)
	}
	return plan, nil
}

// Apply upserts every record of plan. It stops at the first write failure.
func Apply(ctx context.Context, plan Plan, offers repositories.TradeInOfferRepository, maps repositories.TradeInDeviceMapRepository) (Summary, error) {
	var summary Summary
	if len(plan.Offers) > 0 && offers == nil {
		return summary, errors.New("seed: offer repository is required")
	}
	if len(plan.DeviceMaps) > 0 && maps == nil {
		return summary, errors.New("seed: device map repository is required")
	}
	for _, offer := range plan.Offers {
		if err := offers.Upsert(ctx, offer); err != nil {
			return summary, fmt.Errorf("seed: upsert offer %s: %w", offer.ID, err)
		}
		summary.Offers++
	}
	for _, mapping := range plan.DeviceMaps {
		if err := maps.Upsert(ctx, mapping); err != nil {
			return summary, fmt.Errorf("seed: upsert device map %s: %w", mapping.ID, err)
		}
		summary.DeviceMaps++
	}
	return summary, nil
}

func boolOrTrue(v *bool) bool {
	return v == nil || *v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// slug joins parts into a lowercase document id of letters, digits and dashes.
func slug(parts ...string) string {
	var b strings.Builder
	dash := false
	for _, part := range parts {
		for _, r := range strings.ToLower(part) {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
				b.WriteRune(r)
				dash = false
			default:
				if b.Len() > 0 && !dash {
					b.WriteByte('-')
					dash = true
				}
			}
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
