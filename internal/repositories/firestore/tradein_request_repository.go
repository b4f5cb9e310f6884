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

const tradeInRequestsCollection = "trade_in_requests"

// TradeInRequestRepository persists trade-in requests.
type TradeInRequestRepository struct {
	base     *pfirestore.Collection[domain.TradeInRequest]
	provider *pfirestore.Provider
}

// NewTradeInRequestRepository constructs a Firestore-backed request repository.
func NewTradeInRequestRepository(provider *pfirestore.Provider) (*TradeInRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("trade-in request repository: firestore provider is required")
	}
	encoder := func(_ context.Context, request domain.TradeInRequest) (any, error) {
		return encodeRequestDocument(request), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.TradeInRequest, error) {
		var doc requestDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.TradeInRequest{}, err
		}
		return decodeRequestDocument(snap.Ref.ID, doc, snap.CreateTime), nil
	}
	base := pfirestore.NewCollection[domain.TradeInRequest](provider, tradeInRequestsCollection, encoder, decoder)
	return &TradeInRequestRepository{base: base, provider: provider}, nil
}

// Insert stores a new request and fails with a conflict if the id already exists.
func (r *TradeInRequestRepository) Insert(ctx context.Context, request domain.TradeInRequest) error {
	if r == nil || r.base == nil {
		return errors.New("trade-in request repository not initialised")
	}
	request.ID = strings.TrimSpace(request.ID)
	if request.ID == "" {
		return errors.New("trade-in request repository: id is required")
	}
	_, err := r.base.Create(ctx, request.ID, request)
	return err
}

// FindByID loads a request by id.
func (r *TradeInRequestRepository) FindByID(ctx context.Context, requestID string) (domain.TradeInRequest, error) {
	if r == nil || r.base == nil {
		return domain.TradeInRequest{}, errors.New("trade-in request repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return domain.TradeInRequest{}, err
	}
	return doc.Data, nil
}

// MarkOrdered transactionally links the request to an order. The status check and the write
// share one snapshot so a request never leaves ordered.
func (r *TradeInRequestRepository) MarkOrdered(ctx context.Context, requestID string, orderID string, at time.Time) (domain.TradeInRequest, error) {
	if r == nil || r.base == nil {
		return domain.TradeInRequest{}, errors.New("trade-in request repository not initialised")
	}
	requestID = strings.TrimSpace(requestID)
	orderID = strings.TrimSpace(orderID)
	if requestID == "" || orderID == "" {
		return domain.TradeInRequest{}, errors.New("trade-in request repository: request id and order id are required")
	}
	docRef, err := r.base.Ref(ctx, requestID)
	if err != nil {
		return domain.TradeInRequest{}, err
	}

	var updated domain.TradeInRequest
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		current, err := r.base.Decode(ctx, snap)
		if err != nil {
			return err
		}
		request := current.Data
		if !request.Status.CanTransitionTo(domain.TradeInStatusOrdered) {
			return pfirestore.NewConflictError("trade_in_requests.mark_ordered",
				fmt.Sprintf("request %s cannot move from %s to ordered", requestID, request.Status))
		}

		at = at.UTC()
		if err := tx.Update(docRef, []firestore.Update{
			{Path: "orderId", Value: orderID},
			{Path: "status", Value: string(domain.TradeInStatusOrdered)},
			{Path: "updatedAt", Value: at},
		}); err != nil {
			return err
		}

		request.OrderID = &orderID
		request.Status = domain.TradeInStatusOrdered
		request.UpdatedAt = at
		updated = request
		return nil
	})
	if err != nil {
		return domain.TradeInRequest{}, pfirestore.WrapError("trade_in_requests.mark_ordered", err)
	}
	return updated, nil
}

func encodeRequestDocument(request domain.TradeInRequest) requestDocument {
	return requestDocument{
		NewProductID:       stringPointer(optionalString(request.NewProductID)),
		NewProductHandle:   stringPointer(optionalString(request.NewProductHandle)),
		NewProductTitle:    stringPointer(optionalString(request.NewProductTitle)),
		CartID:             stringPointer(optionalString(request.CartID)),
		OrderID:            stringPointer(optionalString(request.OrderID)),
		EstimatedAmount:    int64Pointer(request.EstimatedAmount),
		FinalAmount:        int64Pointer(request.FinalAmount),
		CurrencyCode:       request.CurrencyCode,
		PromotionCode:      stringPointer(optionalString(request.PromotionCode)),
		CustomerName:       stringPointer(optionalString(request.CustomerName)),
		Phone:              stringPointer(optionalString(request.Phone)),
		SerialNumber:       stringPointer(optionalString(request.SerialNumber)),
		OldDeviceModel:     request.OldDeviceModel,
		OldDeviceCondition: string(request.OldDeviceCondition),
		Note:               stringPointer(optionalString(request.Note)),
		Status:             string(request.Status),
		Metadata: requestMetadataDocument{
			DeviceChecks:     request.Metadata.DeviceChecks,
			FailedChecks:     cloneStrings(request.Metadata.FailedChecks),
			MatchedOfferID:   request.Metadata.MatchedOfferID,
			ResolutionSource: string(request.Metadata.ResolutionSource),
			Source:           request.Metadata.Source,
		},
		CreatedAt: request.CreatedAt.UTC(),
		UpdatedAt: request.UpdatedAt.UTC(),
	}
}

func decodeRequestDocument(id string, doc requestDocument, createTime time.Time) domain.TradeInRequest {
	return domain.TradeInRequest{
		ID:                 id,
		NewProductID:       doc.NewProductID,
		NewProductHandle:   doc.NewProductHandle,
		NewProductTitle:    doc.NewProductTitle,
		CartID:             doc.CartID,
		OrderID:            doc.OrderID,
		EstimatedAmount:    doc.EstimatedAmount,
		FinalAmount:        doc.FinalAmount,
		CurrencyCode:       doc.CurrencyCode,
		PromotionCode:      doc.PromotionCode,
		CustomerName:       doc.CustomerName,
		Phone:              doc.Phone,
		SerialNumber:       doc.SerialNumber,
		OldDeviceModel:     doc.OldDeviceModel,
		OldDeviceCondition: domain.TradeInCondition(doc.OldDeviceCondition),
		Note:               doc.Note,
		Status:             domain.TradeInStatus(doc.Status),
		Metadata: domain.TradeInRequestMetadata{
			DeviceChecks:     doc.Metadata.DeviceChecks,
			FailedChecks:     cloneStrings(doc.Metadata.FailedChecks),
			MatchedOfferID:   doc.Metadata.MatchedOfferID,
			ResolutionSource: domain.ResolutionSource(doc.Metadata.ResolutionSource),
			Source:           doc.Metadata.Source,
		},
		CreatedAt: timeOrDefault(doc.CreatedAt, createTime),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

type requestDocument struct {
	NewProductID       *string                 `firestore:"newProductId"`
	NewProductHandle   *string                 `firestore:"newProductHandle"`
	NewProductTitle    *string                 `firestore:"newProductTitle"`
	CartID             *string                 `firestore:"cartId"`
	OrderID            *string                 `firestore:"orderId"`
	EstimatedAmount    *int64                  `firestore:"estimatedAmount"`
	FinalAmount        *int64                  `firestore:"finalAmount"`
	CurrencyCode       string                  `firestore:"currencyCode"`
	PromotionCode      *string                 `firestore:"promotionCode"`
	CustomerName       *string                 `firestore:"customerName"`
	Phone              *string                 `firestore:"phone"`
	SerialNumber       *string                 `firestore:"serialNumber"`
	OldDeviceModel     string                  `firestore:"oldDeviceModel"`
	OldDeviceCondition string                  `firestore:"oldDeviceCondition"`
	Note               *string                 `firestore:"note"`
	Status             string                  `firestore:"status"`
	Metadata           requestMetadataDocument `firestore:"metadata"`
	CreatedAt          time.Time               `firestore:"createdAt"`
	UpdatedAt          time.Time               `firestore:"updatedAt"`
}

type requestMetadataDocument struct {
	DeviceChecks     map[string]bool `firestore:"deviceChecks,omitempty"`
	FailedChecks     []string        `firestore:"failedChecks,omitempty"`
	MatchedOfferID   string          `firestore:"matchedOfferId,omitempty"`
	ResolutionSource string          `firestore:"resolutionSource,omitempty"`
	Source           string          `firestore:"source,omitempty"`
}

var _ repositories.TradeInRequestRepository = (*TradeInRequestRepository)(nil)
