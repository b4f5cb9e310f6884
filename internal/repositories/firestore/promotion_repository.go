package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/tradein/internal/domain"
	pfirestore "github.com/hanko-field/tradein/internal/platform/firestore"
	"github.com/hanko-field/tradein/internal/repositories"
)

const promotionsCollection = "promotions"

// PromotionRepository creates trade-in promotions keyed by their code.
type PromotionRepository struct {
	base *pfirestore.Collection[promotionDocument]
	now  func() time.Time
}

// NewPromotionRepository constructs a Firestore-backed promotion writer.
func NewPromotionRepository(provider *pfirestore.Provider) (*PromotionRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion repository: firestore provider is required")
	}
	base := pfirestore.NewCollection[promotionDocument](provider, promotionsCollection, nil, nil)
	return &PromotionRepository{base: base, now: time.Now}, nil
}

// CreateFixedOrderPromotion stores a fixed, order-scoped, non-automatic promotion. The code is
// the document id, so a duplicate code surfaces as a conflict.
func (r *PromotionRepository) CreateFixedOrderPromotion(ctx context.Context, promotion domain.TradeInPromotion) (domain.TradeInPromotion, error) {
	if r == nil || r.base == nil {
		return domain.TradeInPromotion{}, errors.New("promotion repository not initialised")
	}
	code := strings.TrimSpace(promotion.Code)
	if code == "" {
		return domain.TradeInPromotion{}, errors.New("promotion repository: code is required")
	}
	if promotion.Amount <= 0 {
		return domain.TradeInPromotion{}, errors.New("promotion repository: amount must be positive")
	}

	createdAt := timeOrDefault(promotion.CreatedAt, r.now())
	doc := promotionDocument{
		Code:         code,
		Kind:         domain.PromotionKindFixed,
		Scope:        domain.PromotionScopeOrder,
		Amount:       promotion.Amount,
		CurrencyCode: strings.ToLower(strings.TrimSpace(promotion.CurrencyCode)),
		UsageLimit:   1,
		IsAutomatic:  false,
		Status:       "active",
		CreatedAt:    createdAt,
	}
	if _, err := r.base.Create(ctx, code, doc); err != nil {
		return domain.TradeInPromotion{}, err
	}

	return domain.TradeInPromotion{
		ID:           code,
		Code:         code,
		Kind:         doc.Kind,
		Scope:        doc.Scope,
		Amount:       doc.Amount,
		CurrencyCode: doc.CurrencyCode,
		UsageLimit:   doc.UsageLimit,
		IsAutomatic:  doc.IsAutomatic,
		CreatedAt:    createdAt,
	}, nil
}

type promotionDocument struct {
	Code         string    `firestore:"code"`
	Kind         string    `firestore:"kind"`
	Scope        string    `firestore:"scope"`
	Amount       int64     `firestore:"amount"`
	CurrencyCode string    `firestore:"currencyCode"`
	UsageLimit   int       `firestore:"usageLimit"`
	IsAutomatic  bool      `firestore:"isAutomatic"`
	Status       string    `firestore:"status"`
	CreatedAt    time.Time `firestore:"createdAt"`
}

var _ repositories.TradeInPromotionRepository = (*PromotionRepository)(nil)
