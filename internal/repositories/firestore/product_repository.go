package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/tradein/internal/domain"
	pfirestore "github.com/hanko-field/tradein/internal/platform/firestore"
	"github.com/hanko-field/tradein/internal/repositories"
)

const productsCollection = "products"

// ProductRepository reads the catalog fields needed by the trade-in eligibility gate.
type ProductRepository struct {
	base *pfirestore.Collection[domain.Product]
}

// NewProductRepository constructs a Firestore-backed product reader.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository: firestore provider is required")
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.Product, error) {
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Product{}, err
		}
		return domain.Product{
			ID:       snap.Ref.ID,
			Title:    doc.Title,
			Handle:   doc.Handle,
			Metadata: cloneAnyMap(doc.Metadata),
		}, nil
	}
	base := pfirestore.NewCollection[domain.Product](provider, productsCollection, nil, decoder)
	return &ProductRepository{base: base}, nil
}

// FindProduct loads a product by id.
func (r *ProductRepository) FindProduct(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: id is required")
	}
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data, nil
}

type productDocument struct {
	Title    string         `firestore:"title"`
	Handle   string         `firestore:"handle"`
	Metadata map[string]any `firestore:"metadata,omitempty"`
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
