package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domain "github.com/hanko-field/tradein/internal/domain"
	"github.com/hanko-field/tradein/internal/repositories"
)

type stubRepoError struct {
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return e.err.Error() }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

func notFoundErr(what string) error {
	return &stubRepoError{err: fmt.Errorf("%s not found", what), notFound: true}
}

func conflictErr(what string) error {
	return &stubRepoError{err: fmt.Errorf("%s conflict", what), conflict: true}
}

func unavailableErr(what string) error {
	return &stubRepoError{err: fmt.Errorf("%s unavailable", what), unavailable: true}
}

type stubProducts struct {
	products map[string]domain.Product
	err      error
}

func (s *stubProducts) FindProduct(_ context.Context, productID string) (domain.Product, error) {
	if s.err != nil {
		return domain.Product{}, s.err
	}
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, notFoundErr("product")
	}
	return product, nil
}

type stubOffers struct {
	offers  []domain.TradeInOffer
	filters []repositories.TradeInOfferFilter
	err     error
}

func (s *stubOffers) ListOffers(_ context.Context, filter repositories.TradeInOfferFilter) ([]domain.TradeInOffer, error) {
	s.filters = append(s.filters, filter)
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.TradeInOffer
	for _, offer := range s.offers {
		if filter.Brand != "" && offer.Brand != filter.Brand {
			continue
		}
		if filter.Condition != "" && offer.Condition != filter.Condition {
			continue
		}
		if filter.ActiveOnly && !offer.Active {
			continue
		}
		out = append(out, offer)
	}
	return out, nil
}

func (s *stubOffers) Upsert(_ context.Context, offer domain.TradeInOffer) error {
	s.offers = append(s.offers, offer)
	return nil
}

type stubDeviceMaps struct {
	maps    []domain.TradeInDeviceMap
	lookups []string
	err     error
}

func (s *stubDeviceMaps) FindActiveByTAC(_ context.Context, tacPrefix string) (domain.TradeInDeviceMap, error) {
	s.lookups = append(s.lookups, tacPrefix)
	if s.err != nil {
		return domain.TradeInDeviceMap{}, s.err
	}
	var best *domain.TradeInDeviceMap
	for i := range s.maps {
		mapping := s.maps[i]
		if mapping.TACPrefix != tacPrefix || !mapping.Active {
			continue
		}
		if best == nil || mapping.Priority > best.Priority {
			best = &mapping
		}
	}
	if best == nil {
		return domain.TradeInDeviceMap{}, notFoundErr("device map")
	}
	return *best, nil
}

func (s *stubDeviceMaps) Upsert(_ context.Context, mapping domain.TradeInDeviceMap) error {
	s.maps = append(s.maps, mapping)
	return nil
}

type stubCarts struct {
	mu        sync.Mutex
	carts     map[string]*domain.TradeInCart
	attached  []string
	detached  []string
	attachErr error
	detachErr error
	updateErr error
	getErr    error
	// onAttach runs after a successful attach, under the lock.
	onAttach func(cart *domain.TradeInCart)
}

func newStubCarts(ids ...string) *stubCarts {
	carts := &stubCarts{carts: map[string]*domain.TradeInCart{}}
	for _, id := range ids {
		carts.carts[id] = &domain.TradeInCart{ID: id, Currency: "mnt", Metadata: map[string]any{}}
	}
	return carts
}

func (s *stubCarts) GetCart(_ context.Context, cartID string) (domain.TradeInCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.TradeInCart{}, s.getErr
	}
	cart, ok := s.carts[cartID]
	if !ok {
		return domain.TradeInCart{}, notFoundErr("cart")
	}
	return copyCart(*cart), nil
}

func (s *stubCarts) UpdateMetadata(_ context.Context, cartID string, metadata map[string]any, guard *repositories.MetadataGuard) (domain.TradeInCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return domain.TradeInCart{}, s.updateErr
	}
	cart, ok := s.carts[cartID]
	if !ok {
		return domain.TradeInCart{}, notFoundErr("cart")
	}
	if guard != nil && cart.MetadataString(guard.Key) != guard.Expected {
		return domain.TradeInCart{}, conflictErr("cart metadata")
	}
	for key, value := range metadata {
		if value == nil {
			delete(cart.Metadata, key)
			continue
		}
		cart.Metadata[key] = value
	}
	return copyCart(*cart), nil
}

func (s *stubCarts) AttachPromotionCode(_ context.Context, cartID string, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return s.attachErr
	}
	cart, ok := s.carts[cartID]
	if !ok {
		return notFoundErr("cart")
	}
	s.attached = append(s.attached, code)
	cart.PromotionCodes = append(cart.PromotionCodes, code)
	if s.onAttach != nil {
		s.onAttach(cart)
	}
	return nil
}

func (s *stubCarts) DetachPromotionCode(_ context.Context, cartID string, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, code)
	if s.detachErr != nil {
		return s.detachErr
	}
	cart, ok := s.carts[cartID]
	if !ok {
		return notFoundErr("cart")
	}
	codes := cart.PromotionCodes[:0]
	for _, existing := range cart.PromotionCodes {
		if existing != code {
			codes = append(codes, existing)
		}
	}
	cart.PromotionCodes = codes
	return nil
}

func copyCart(cart domain.TradeInCart) domain.TradeInCart {
	metadata := make(map[string]any, len(cart.Metadata))
	for key, value := range cart.Metadata {
		metadata[key] = value
	}
	cart.Metadata = metadata
	cart.PromotionCodes = append([]string(nil), cart.PromotionCodes...)
	return cart
}

type stubPromotions struct {
	created []domain.TradeInPromotion
	err     error
}

func (s *stubPromotions) CreateFixedOrderPromotion(_ context.Context, promotion domain.TradeInPromotion) (domain.TradeInPromotion, error) {
	if s.err != nil {
		return domain.TradeInPromotion{}, s.err
	}
	promotion.ID = promotion.Code
	s.created = append(s.created, promotion)
	return promotion, nil
}

type stubRequests struct {
	mu        sync.Mutex
	requests  map[string]domain.TradeInRequest
	insertErr error
	markErr   error
}

func newStubRequests() *stubRequests {
	return &stubRequests{requests: map[string]domain.TradeInRequest{}}
}

func (s *stubRequests) Insert(_ context.Context, request domain.TradeInRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	if _, exists := s.requests[request.ID]; exists {
		return conflictErr("request")
	}
	s.requests[request.ID] = request
	return nil
}

func (s *stubRequests) FindByID(_ context.Context, requestID string) (domain.TradeInRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.requests[requestID]
	if !ok {
		return domain.TradeInRequest{}, notFoundErr("request")
	}
	return request, nil
}

func (s *stubRequests) MarkOrdered(_ context.Context, requestID string, orderID string, at time.Time) (domain.TradeInRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return domain.TradeInRequest{}, s.markErr
	}
	request, ok := s.requests[requestID]
	if !ok {
		return domain.TradeInRequest{}, notFoundErr("request")
	}
	if !request.Status.CanTransitionTo(domain.TradeInStatusOrdered) {
		return domain.TradeInRequest{}, conflictErr("request")
	}
	request.Status = domain.TradeInStatusOrdered
	request.OrderID = &orderID
	request.UpdatedAt = at
	s.requests[requestID] = request
	return request, nil
}

type stubEvents struct {
	events []TradeInLifecycleEvent
	err    error
}

func (s *stubEvents) PublishTradeInEvent(_ context.Context, event TradeInLifecycleEvent) error {
	s.events = append(s.events, event)
	return s.err
}

type logEntry struct {
	event  string
	fields map[string]any
}

type stubLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *stubLogger) log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{event: event, fields: fields})
}

func (l *stubLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if entry.event == event {
			return true
		}
	}
	return false
}

var errStubFailure = errors.New("boom")

var (
	_ repositories.ProductRepository          = (*stubProducts)(nil)
	_ repositories.TradeInOfferRepository     = (*stubOffers)(nil)
	_ repositories.TradeInDeviceMapRepository = (*stubDeviceMaps)(nil)
	_ repositories.TradeInCartRepository      = (*stubCarts)(nil)
	_ repositories.TradeInPromotionRepository = (*stubPromotions)(nil)
	_ repositories.TradeInRequestRepository   = (*stubRequests)(nil)
	_ repositories.RepositoryError            = (*stubRepoError)(nil)
)
