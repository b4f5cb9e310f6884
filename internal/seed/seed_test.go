package seed

import (
	"context"
	"errors"
	"strings"
	"testing"

	domain "github.com/hanko-field/tradein/internal/domain"
	"github.com/hanko-field/tradein/internal/repositories"
)

const sampleSeed = `
offers:
  - brand: Apple
    device_type: Phone
    model_keyword: iPhone 13 Pro
    condition: good
    amount: 1200000
    priority: 5
  - id: legacy-offer
    model_keyword: iphone 8
    condition: broken
    amount: 0
    active: false
device_maps:
  - tac_prefix: "35391110"
    model_keyword: iphone 13 pro
    priority: 2
`

type recordingOffers struct {
	upserted []domain.TradeInOffer
	err      error
}

func (r *recordingOffers) ListOffers(context.Context, repositories.TradeInOfferFilter) ([]domain.TradeInOffer, error) {
	return r.upserted, nil
}

func (r *recordingOffers) Upsert(_ context.Context, offer domain.TradeInOffer) error {
	if r.err != nil {
		return r.err
	}
	r.upserted = append(r.upserted, offer)
	return nil
}

type recordingDeviceMaps struct {
	upserted []domain.TradeInDeviceMap
}

func (r *recordingDeviceMaps) FindActiveByTAC(context.Context, string) (domain.TradeInDeviceMap, error) {
	return domain.TradeInDeviceMap{}, errors.New("not implemented")
}

func (r *recordingDeviceMaps) Upsert(_ context.Context, mapping domain.TradeInDeviceMap) error {
	r.upserted = append(r.upserted, mapping)
	return nil
}

func TestParseBuildsValidatedPlan(t *testing.T) {
	plan, err := Parse([]byte(sampleSeed), Defaults{Brand: "apple", Currency: "mnt"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(plan.Offers) != 2 || len(plan.DeviceMaps) != 1 {
		t.Fatalf("unexpected plan sizes %d/%d", len(plan.Offers), len(plan.DeviceMaps))
	}

	first := plan.Offers[0]
	if first.ID != "apple-iphone-13-pro-good" {
		t.Fatalf("expected derived id, got %q", first.ID)
	}
	if first.Brand != "apple" || first.DeviceType == nil || *first.DeviceType != "phone" || !first.Active || first.CurrencyCode != "mnt" {
		t.Fatalf("unexpected offer %+v", first)
	}

	legacy := plan.Offers[1]
	if legacy.ID != "legacy-offer" || legacy.Active {
		t.Fatalf("expected explicit id and inactive offer, got %+v", legacy)
	}

	mapping := plan.DeviceMaps[0]
	if mapping.ID != "tac-35391110-iphone-13-pro" || !mapping.Active || mapping.Brand != "apple" {
		t.Fatalf("unexpected device map %+v", mapping)
	}
}

func TestParseReportsAllRecordErrors(t *testing.T) {
	doc := `
offers:
  - model_keyword: ""
    condition: good
    amount: 10
  - model_keyword: iphone 12
    condition: mint
    amount: 10
device_maps:
  - tac_prefix: "1234"
    model_keyword: iphone 12
`
	_, err := Parse([]byte(doc), Defaults{})
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"offers[0]", "offers[1]", "device_maps[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in error, got %v", want, err)
		}
	}
	if !errors.Is(err, domain.ErrInvalidTradeInOffer) || !errors.Is(err, domain.ErrInvalidTradeInDeviceMap) {
		t.Fatalf("expected domain sentinels to be preserved, got %v", err)
	}
}

func TestParseRejectsDuplicatesAndUnknownFields(t *testing.T) {
	dup := `
offers:
  - {model_keyword: iphone 12, condition: good, amount: 10}
  - {model_keyword: iPhone 12, condition: good, amount: 20}
`
	if _, err := Parse([]byte(dup), Defaults{}); err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}

	unknown := `
offers:
  - {model_keyword: iphone 12, condition: good, amount: 10, price: 5}
`
	if _, err := Parse([]byte(unknown), Defaults{}); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestApplyUpsertsEveryRecord(t *testing.T) {
	plan, err := Parse([]byte(sampleSeed), Defaults{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	offers := &recordingOffers{}
	maps := &recordingDeviceMaps{}

	summary, err := Apply(context.Background(), plan, offers, maps)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if summary.Offers != 2 || summary.DeviceMaps != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(offers.upserted) != 2 || len(maps.upserted) != 1 {
		t.Fatalf("unexpected writes %d/%d", len(offers.upserted), len(maps.upserted))
	}
}

func TestApplyStopsOnWriteFailure(t *testing.T) {
	plan, err := Parse([]byte(sampleSeed), Defaults{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	summary, err := Apply(context.Background(), plan, &recordingOffers{err: errors.New("unavailable")}, &recordingDeviceMaps{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if summary.Offers != 0 || summary.DeviceMaps != 0 {
		t.Fatalf("expected nothing written, got %+v", summary)
	}

	if _, err := Apply(context.Background(), plan, nil, &recordingDeviceMaps{}); err == nil {
		t.Fatalf("expected error for missing offer repository")
	}
}

var (
	_ repositories.TradeInOfferRepository     = (*recordingOffers)(nil)
	_ repositories.TradeInDeviceMapRepository = (*recordingDeviceMaps)(nil)
)
