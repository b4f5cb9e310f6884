package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/tradein/internal/domain"
	pfirestore "github.com/hanko-field/tradein/internal/platform/firestore"
	"github.com/hanko-field/tradein/internal/repositories"
)

const tradeInOffersCollection = "trade_in_offers"

// TradeInOfferRepository stores curated buy-back offers.
type TradeInOfferRepository struct {
	base *pfirestore.Collection[domain.TradeInOffer]
	now  func() time.Time
}

// NewTradeInOfferRepository constructs a Firestore-backed offer repository.
func NewTradeInOfferRepository(provider *pfirestore.Provider) (*TradeInOfferRepository, error) {
	if provider == nil {
		return nil, errors.New("trade-in offer repository: firestore provider is required")
	}
	encoder := func(_ context.Context, offer domain.TradeInOffer) (any, error) {
		return encodeOfferDocument(offer), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.TradeInOffer, error) {
		var doc offerDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.TradeInOffer{}, err
		}
		return decodeOfferDocument(snap.Ref.ID, doc, snap.UpdateTime), nil
	}
	base := pfirestore.NewCollection[domain.TradeInOffer](provider, tradeInOffersCollection, encoder, decoder)
	return &TradeInOfferRepository{base: base, now: time.Now}, nil
}

// ListOffers returns offers matching the filter, highest priority first.
func (r *TradeInOfferRepository) ListOffers(ctx context.Context, filter repositories.TradeInOfferFilter) ([]domain.TradeInOffer, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("trade-in offer repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if brand := strings.ToLower(strings.TrimSpace(filter.Brand)); brand != "" {
			q = q.Where("brand", "==", brand)
		}
		if deviceType := strings.ToLower(strings.TrimSpace(filter.DeviceType)); deviceType != "" {
			q = q.Where("deviceType", "==", deviceType)
		}
		if filter.Condition != "" {
			q = q.Where("condition", "==", string(filter.Condition))
		}
		if filter.ActiveOnly {
			q = q.Where("active", "==", true)
		}
		return q.OrderBy("priority", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	offers := make([]domain.TradeInOffer, 0, len(docs))
	for _, doc := range docs {
		offers = append(offers, doc.Data)
	}
	return offers, nil
}

// Upsert writes the offer under its id, preserving the original creation time.
func (r *TradeInOfferRepository) Upsert(ctx context.Context, offer domain.TradeInOffer) error {
	if r == nil || r.base == nil {
		return errors.New("trade-in offer repository not initialised")
	}
	offer.ID = strings.TrimSpace(offer.ID)
	if offer.ID == "" {
		return errors.New("trade-in offer repository: id is required")
	}
	now := r.now().UTC()
	offer.CreatedAt = timeOrDefault(offer.CreatedAt, now)
	offer.UpdatedAt = now
	_, err := r.base.Set(ctx, offer.ID, offer)
	return err
}

func encodeOfferDocument(offer domain.TradeInOffer) offerDocument {
	return offerDocument{
		Brand:        offer.Brand,
		DeviceType:   stringPointer(optionalString(offer.DeviceType)),
		ModelKeyword: offer.ModelKeyword,
		Condition:    string(offer.Condition),
		Amount:       offer.Amount,
		CurrencyCode: offer.CurrencyCode,
		Active:       offer.Active,
		Priority:     offer.Priority,
		Metadata:     cloneAnyMap(offer.Metadata),
		CreatedAt:    offer.CreatedAt.UTC(),
		UpdatedAt:    offer.UpdatedAt.UTC(),
	}
}

func decodeOfferDocument(id string, doc offerDocument, updateTime time.Time) domain.TradeInOffer {
	return domain.TradeInOffer{
		ID:           id,
		Brand:        doc.Brand,
		DeviceType:   stringPointer(optionalString(doc.DeviceType)),
		ModelKeyword: doc.ModelKeyword,
		Condition:    domain.TradeInCondition(doc.Condition),
		Amount:       doc.Amount,
		CurrencyCode: doc.CurrencyCode,
		Active:       doc.Active,
		Priority:     doc.Priority,
		Metadata:     cloneAnyMap(doc.Metadata),
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    timeOrDefault(doc.UpdatedAt, updateTime),
	}
}

type offerDocument struct {
	Brand        string         `firestore:"brand"`
	DeviceType   *string        `firestore:"deviceType"`
	ModelKeyword string         `firestore:"modelKeyword"`
	Condition    string         `firestore:"condition"`
	Amount       int64          `firestore:"amount"`
	CurrencyCode string         `firestore:"currencyCode"`
	Active       bool           `firestore:"active"`
	Priority     int            `firestore:"priority"`
	Metadata     map[string]any `firestore:"metadata,omitempty"`
	CreatedAt    time.Time      `firestore:"createdAt"`
	UpdatedAt    time.Time      `firestore:"updatedAt"`
}

var _ repositories.TradeInOfferRepository = (*TradeInOfferRepository)(nil)
