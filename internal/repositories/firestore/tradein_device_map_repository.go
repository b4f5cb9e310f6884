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

const tradeInDeviceMapsCollection = "trade_in_device_maps"

// TradeInDeviceMapRepository stores TAC prefix to model keyword mappings.
type TradeInDeviceMapRepository struct {
	base *pfirestore.Collection[domain.TradeInDeviceMap]
	now  func() time.Time
}

// NewTradeInDeviceMapRepository constructs a Firestore-backed device map repository.
func NewTradeInDeviceMapRepository(provider *pfirestore.Provider) (*TradeInDeviceMapRepository, error) {
	if provider == nil {
		return nil, errors.New("trade-in device map repository: firestore provider is required")
	}
	encoder := func(_ context.Context, mapping domain.TradeInDeviceMap) (any, error) {
		return deviceMapDocument{
			TACPrefix:    mapping.TACPrefix,
			Brand:        mapping.Brand,
			DeviceType:   stringPointer(optionalString(mapping.DeviceType)),
			ModelKeyword: mapping.ModelKeyword,
			Priority:     mapping.Priority,
			Active:       mapping.Active,
			CreatedAt:    mapping.CreatedAt.UTC(),
			UpdatedAt:    mapping.UpdatedAt.UTC(),
		}, nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.TradeInDeviceMap, error) {
		var doc deviceMapDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.TradeInDeviceMap{}, err
		}
		return domain.TradeInDeviceMap{
			ID:           snap.Ref.ID,
			TACPrefix:    doc.TACPrefix,
			Brand:        doc.Brand,
			DeviceType:   stringPointer(optionalString(doc.DeviceType)),
			ModelKeyword: doc.ModelKeyword,
			Priority:     doc.Priority,
			Active:       doc.Active,
			CreatedAt:    doc.CreatedAt.UTC(),
			UpdatedAt:    timeOrDefault(doc.UpdatedAt, snap.UpdateTime),
		}, nil
	}
	base := pfirestore.NewCollection[domain.TradeInDeviceMap](provider, tradeInDeviceMapsCollection, encoder, decoder)
	return &TradeInDeviceMapRepository{base: base, now: time.Now}, nil
}

// FindActiveByTAC returns the highest priority active mapping with exactly this prefix.
func (r *TradeInDeviceMapRepository) FindActiveByTAC(ctx context.Context, tacPrefix string) (domain.TradeInDeviceMap, error) {
	if r == nil || r.base == nil {
		return domain.TradeInDeviceMap{}, errors.New("trade-in device map repository not initialised")
	}
	tacPrefix = strings.TrimSpace(tacPrefix)
	if tacPrefix == "" {
		return domain.TradeInDeviceMap{}, errors.New("trade-in device map repository: tac prefix is required")
	}
	doc, err := r.base.First(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("tacPrefix", "==", tacPrefix).
			Where("active", "==", true).
			OrderBy("priority", firestore.Desc)
	})
	if err != nil {
		return domain.TradeInDeviceMap{}, err
	}
	return doc.Data, nil
}

// Upsert writes the mapping under its id.
func (r *TradeInDeviceMapRepository) Upsert(ctx context.Context, mapping domain.TradeInDeviceMap) error {
	if r == nil || r.base == nil {
		return errors.New("trade-in device map repository not initialised")
	}
	mapping.ID = strings.TrimSpace(mapping.ID)
	if mapping.ID == "" {
		return errors.New("trade-in device map repository: id is required")
	}
	now := r.now().UTC()
	mapping.CreatedAt = timeOrDefault(mapping.CreatedAt, now)
	mapping.UpdatedAt = now
	_, err := r.base.Set(ctx, mapping.ID, mapping)
	return err
}

type deviceMapDocument struct {
	TACPrefix    string    `firestore:"tacPrefix"`
	Brand        string    `firestore:"brand"`
	DeviceType   *string   `firestore:"deviceType"`
	ModelKeyword string    `firestore:"modelKeyword"`
	Priority     int       `firestore:"priority"`
	Active       bool      `firestore:"active"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

var _ repositories.TradeInDeviceMapRepository = (*TradeInDeviceMapRepository)(nil)
