package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	domain "github.com/hanko-field/tradein/internal/domain"
	"github.com/hanko-field/tradein/internal/repositories"
)

type eligibilityGate struct {
	products repositories.ProductRepository
}

// Evaluate fetches the product and reports whether it explicitly opted into trade-in.
// A missing product is returned as ErrTradeInProductNotFound.
func (g eligibilityGate) Evaluate(ctx context.Context, productID string) (Product, bool, error) {
	product, err := g.products.FindProduct(ctx, productID)
	if err != nil {
		return Product{}, false, translateRepoError(fmt.Sprintf("find product %s", productID), err, ErrTradeInProductNotFound)
	}
	return product, isTruthy(product.Metadata[domain.ProductMetaTradeInEligible]), nil
}

func isTruthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		}
		return false
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case fmt.Stringer:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v.String()))
		return err == nil && parsed
	}
	return false
}

// FailedDeviceChecks lists checks explicitly answered false, in checklist order.
// Missing keys pass and unknown keys are ignored. The result is never nil.
func FailedDeviceChecks(checks map[string]bool) []string {
	failed := make([]string, 0, len(domain.DeviceCheckNames))
	for _, name := range domain.DeviceCheckNames {
		if passed, ok := checks[name]; ok && !passed {
			failed = append(failed, name)
		}
	}
	return failed
}
