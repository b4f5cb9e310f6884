package services

import (
	"errors"
	"fmt"

	"github.com/hanko-field/tradein/internal/repositories"
)

var (
	// ErrTradeInInvalidInput indicates the caller omitted or malformed a required field.
	ErrTradeInInvalidInput = errors.New("trade-in service: invalid input")
	// ErrTradeInIneligible indicates the target product has not opted into trade-in.
	ErrTradeInIneligible = errors.New("trade-in service: product not eligible")
	// ErrTradeInProductNotFound indicates the catalog has no such product.
	ErrTradeInProductNotFound = errors.New("trade-in service: product not found")
	// ErrTradeInCartNotFound indicates the cart does not exist.
	ErrTradeInCartNotFound = errors.New("trade-in service: cart not found")
	// ErrTradeInConflict indicates a concurrent trade-in change won the race for the cart.
	ErrTradeInConflict = errors.New("trade-in service: conflict")
	// ErrTradeInUnavailable indicates a collaborator failed; the whole operation may be retried.
	ErrTradeInUnavailable = errors.New("trade-in service: unavailable")
)

// No-match reasons returned with a successful evaluation.
const (
	TradeInReasonNoModelMatch       = "no_model_match"
	TradeInReasonNoOfferMatch       = "no_offer_match"
	TradeInReasonDeviceChecksFailed = "device_checks_failed"
)

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTradeInInvalidInput, fmt.Sprintf(format, args...))
}

// translateRepoError maps repository failures onto service errors, using notFound for misses.
func translateRepoError(op string, err error, notFound error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound() && notFound != nil:
			return fmt.Errorf("%w: %s", notFound, op)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %s: %v", ErrTradeInConflict, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrTradeInUnavailable, op, err)
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
