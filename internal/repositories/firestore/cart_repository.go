package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/tradein/internal/domain"
	pfirestore "github.com/hanko-field/tradein/internal/platform/firestore"
	"github.com/hanko-field/tradein/internal/repositories"
)

const cartCollection = "carts"

// CartRepository exposes the cart fields the trade-in engine reads and writes:
// metadata pointers and the list of attached promotion codes.
type CartRepository struct {
	base     *pfirestore.Collection[cartDocument]
	provider *pfirestore.Provider
	now      func() time.Time
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewCollection[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{
		base:     base,
		provider: provider,
		now:      time.Now,
	}, nil
}

// GetCart loads the cart by id.
func (r *CartRepository) GetCart(ctx context.Context, cartID string) (domain.TradeInCart, error) {
	if r == nil || r.base == nil {
		return domain.TradeInCart{}, errors.New("cart repository not initialised")
	}
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return domain.TradeInCart{}, errors.New("cart repository: cart id is required")
	}
	doc, err := r.base.Get(ctx, cartID)
	if err != nil {
		return domain.TradeInCart{}, err
	}
	return decodeCart(doc.ID, doc.Data, doc.UpdateTime), nil
}

// UpdateMetadata merges metadata into the stored cart inside a transaction so the optional
// guard is evaluated against the same snapshot that is written.
func (r *CartRepository) UpdateMetadata(ctx context.Context, cartID string, metadata map[string]any, guard *repositories.MetadataGuard) (domain.TradeInCart, error) {
	if r == nil || r.base == nil {
		return domain.TradeInCart{}, errors.New("cart repository not initialised")
	}
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return domain.TradeInCart{}, errors.New("cart repository: cart id is required")
	}
	docRef, err := r.base.Ref(ctx, cartID)
	if err != nil {
		return domain.TradeInCart{}, err
	}

	var saved domain.TradeInCart
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		current, err := r.base.Decode(ctx, snap)
		if err != nil {
			return err
		}

		if guard != nil {
			got, _ := current.Data.Metadata[guard.Key].(string)
			if strings.TrimSpace(got) != strings.TrimSpace(guard.Expected) {
				return pfirestore.NewConflictError("carts.update_metadata",
					fmt.Sprintf("metadata %s changed concurrently", guard.Key))
			}
		}

		now := r.now().UTC()
		merged := cloneAnyMap(current.Data.Metadata)
		if merged == nil {
			merged = make(map[string]any, len(metadata))
		}
		updates := make([]firestore.Update, 0, len(metadata)+1)
		for key, value := range metadata {
			path := []string{"metadata", key}
			if value == nil {
				delete(merged, key)
				updates = append(updates, firestore.Update{FieldPath: path, Value: firestore.Delete})
				continue
			}
			merged[key] = value
			updates = append(updates, firestore.Update{FieldPath: path, Value: value})
		}
		updates = append(updates, firestore.Update{Path: "updatedAt", Value: now})

		if err := tx.Update(docRef, updates); err != nil {
			return err
		}

		doc := current.Data
		doc.Metadata = merged
		saved = decodeCart(cartID, doc, now)
		return nil
	})
	if err != nil {
		return domain.TradeInCart{}, pfirestore.WrapError("carts.update_metadata", err)
	}
	return saved, nil
}

// AttachPromotionCode adds the code to the cart's promotion list.
func (r *CartRepository) AttachPromotionCode(ctx context.Context, cartID string, code string) error {
	return r.updatePromotionCodes(ctx, "carts.attach_promotion", cartID, firestore.ArrayUnion(strings.TrimSpace(code)), code)
}

// DetachPromotionCode removes the code from the cart's promotion list. Removing an absent code succeeds.
func (r *CartRepository) DetachPromotionCode(ctx context.Context, cartID string, code string) error {
	return r.updatePromotionCodes(ctx, "carts.detach_promotion", cartID, firestore.ArrayRemove(strings.TrimSpace(code)), code)
}

func (r *CartRepository) updatePromotionCodes(ctx context.Context, op string, cartID string, value any, code string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	if strings.TrimSpace(code) == "" {
		return errors.New("cart repository: promotion code is required")
	}
	_, err := r.base.Update(ctx, strings.TrimSpace(cartID), []firestore.Update{
		{Path: "promotionCodes", Value: value},
		{Path: "updatedAt", Value: r.now().UTC()},
	})
	if err != nil {
		return pfirestore.WrapError(op, err)
	}
	return nil
}

func decodeCart(id string, doc cartDocument, updateTime time.Time) domain.TradeInCart {
	return domain.TradeInCart{
		ID:             id,
		Currency:       strings.ToLower(strings.TrimSpace(doc.Currency)),
		Metadata:       cloneAnyMap(doc.Metadata),
		PromotionCodes: cloneStrings(doc.PromotionCodes),
		UpdatedAt:      timeOrDefault(doc.UpdatedAt, updateTime),
	}
}

type cartDocument struct {
	Currency       string         `firestore:"currency"`
	Metadata       map[string]any `firestore:"metadata,omitempty"`
	PromotionCodes []string       `firestore:"promotionCodes,omitempty"`
	UpdatedAt      time.Time      `firestore:"updatedAt"`
	CreatedAt      time.Time      `firestore:"createdAt"`
}

var _ repositories.TradeInCartRepository = (*CartRepository)(nil)
