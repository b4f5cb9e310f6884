package services

import (
	"context"
	"strings"

	domain "github.com/hanko-field/tradein/internal/domain"
	"github.com/hanko-field/tradein/internal/repositories"
)

// ResolvedDevice is the model keyword derived from customer input and how it was derived.
type ResolvedDevice struct {
	Keyword string
	Source  ResolutionSource
	// Brand is set when a TAC mapping supplied it.
	Brand string
}

type deviceResolver struct {
	deviceMaps repositories.TradeInDeviceMapRepository
}

// Resolve applies, in order: explicit model, TAC lookup on the first eight serial digits,
// then the trimmed serial itself. Explicit model text never triggers a lookup.
func (r deviceResolver) Resolve(ctx context.Context, explicitModel, serial string) (ResolvedDevice, error) {
	if model := strings.TrimSpace(explicitModel); model != "" {
		return ResolvedDevice{Keyword: model, Source: domain.ResolutionSourceExplicitModel}, nil
	}

	if digits := domain.DigitsOnly(serial); len(digits) >= domain.TACPrefixLength {
		mapping, err := r.deviceMaps.FindActiveByTAC(ctx, digits[:domain.TACPrefixLength])
		switch {
		case err == nil && mapping.Active && strings.TrimSpace(mapping.ModelKeyword) != "":
			return ResolvedDevice{
				Keyword: strings.TrimSpace(mapping.ModelKeyword),
				Source:  domain.ResolutionSourceTAC,
				Brand:   mapping.Brand,
			}, nil
		case err != nil && !isRepoNotFound(err):
			return ResolvedDevice{}, translateRepoError("lookup tac", err, nil)
		}
	}

	return ResolvedDevice{Keyword: strings.TrimSpace(serial), Source: domain.ResolutionSourceSerial}, nil
}
