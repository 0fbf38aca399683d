package resolver

import (
	"bytes"
	"encoding/json"
	"fmt"

	"table-session/internal/domain"
)

type payloadShape int

const (
	shapeNested    payloadShape = iota // {restaurant:{...}, table:{...}}
	shapeFlattened                     // {id, number, restaurant:{...}} - deprecated
)

// flexString accepts "7", 7 and null; table numbers and ids arrive as both.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

type wireRestaurant struct {
	ID       flexString `json:"id"`
	Name     string     `json:"name"`
	Slug     string     `json:"slug"`
	Currency string     `json:"currency"`
	LogoURL  string     `json:"logoUrl"`
	Active   *bool      `json:"isActive"`
}

type wireTable struct {
	ID           flexString `json:"id"`
	Number       flexString `json:"number"`
	RestaurantID flexString `json:"restaurantId"`
	QRCode       string     `json:"qrCode"`
	Active       *bool      `json:"isActive"`
}

type wirePayload struct {
	Restaurant   *wireRestaurant `json:"restaurant"`
	Table        *wireTable      `json:"table"`
	SessionToken string          `json:"sessionToken"`

	// flattened table entity
	wireTable
}

func normalize(raw json.RawMessage) (domain.TableInfo, payloadShape, error) {
	var p wirePayload
	if len(bytes.TrimSpace(raw)) == 0 {
		return domain.TableInfo{}, 0, fmt.Errorf("%w: empty payload", ErrMalformedResponse)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.TableInfo{}, 0, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	switch {
	case p.Table != nil && p.Restaurant != nil:
		info := domain.TableInfo{
			Restaurant:   p.Restaurant.toDomain(),
			Table:        p.Table.toDomain(),
			SessionToken: p.SessionToken,
		}
		if info.Table.RestaurantID == "" {
			info.Table.RestaurantID = info.Restaurant.ID
		}
		return info, shapeNested, nil

	case p.Table == nil && p.ID != "" && (p.Restaurant != nil || p.RestaurantID != ""):
		t := p.wireTable.toDomain()
		var r domain.Restaurant
		if p.Restaurant != nil {
			r = p.Restaurant.toDomain()
		}
		if r.ID == "" {
			r.ID = t.RestaurantID
		}
		if t.RestaurantID == "" {
			t.RestaurantID = r.ID
		}
		return domain.TableInfo{Restaurant: r, Table: t, SessionToken: p.SessionToken}, shapeFlattened, nil
	}
	return domain.TableInfo{}, 0, fmt.Errorf("%w: neither nested nor flattened table payload", ErrMalformedResponse)
}

func (w wireRestaurant) toDomain() domain.Restaurant {
	return domain.Restaurant{
		ID:       string(w.ID),
		Name:     w.Name,
		Slug:     w.Slug,
		Currency: w.Currency,
		LogoURL:  w.LogoURL,
		Active:   activeOrDefault(w.Active),
	}
}

func (w wireTable) toDomain() domain.Table {
	return domain.Table{
		ID:           string(w.ID),
		Number:       string(w.Number),
		RestaurantID: string(w.RestaurantID),
		QRCode:       w.QRCode,
		Active:       activeOrDefault(w.Active),
	}
}

// a missing flag means active; inactive entities are rejected by the api with 403
func activeOrDefault(b *bool) bool { return b == nil || *b }

func (s payloadShape) String() string {
	if s == shapeFlattened {
		return "flattened"
	}
	return "nested"
}
