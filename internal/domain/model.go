package domain

import (
	"fmt"
	"net/url"
	"strings"
)

type Restaurant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug,omitempty"`
	Currency string `json:"currency"`
	LogoURL  string `json:"logoUrl,omitempty"`
	Active   bool   `json:"isActive"`
}

type Table struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	RestaurantID string `json:"restaurantId"`
	QRCode       string `json:"qrCode,omitempty"`
	Active       bool   `json:"isActive"`
}

// TableInfo is the canonical answer to a QR lookup.
type TableInfo struct {
	Restaurant   Restaurant `json:"restaurant"`
	Table        Table      `json:"table"`
	SessionToken string     `json:"sessionToken,omitempty"`
}

// ScanIdentity is what a successful scan resolves to. It is immutable once
// built; construct it with NewScanIdentity so the id invariants hold.
type ScanIdentity struct {
	QRCode             string `json:"qrCode"`
	RestaurantID       string `json:"restaurantId"`
	TableID            string `json:"tableId"`
	RestaurantCurrency string `json:"restaurantCurrency"`
	TableNumber        string `json:"tableNumber"`
}

func NewScanIdentity(code string, info TableInfo) (ScanIdentity, error) {
	if !ValidID(info.Restaurant.ID) {
		return ScanIdentity{}, fmt.Errorf("restaurant id %q is not usable", info.Restaurant.ID)
	}
	if !ValidID(info.Table.ID) {
		return ScanIdentity{}, fmt.Errorf("table id %q is not usable", info.Table.ID)
	}
	return ScanIdentity{
		QRCode:             code,
		RestaurantID:       info.Restaurant.ID,
		TableID:            info.Table.ID,
		RestaurantCurrency: info.Restaurant.Currency,
		TableNumber:        info.Table.Number,
	}, nil
}

// ValidID rejects the empty string and the stringified nulls that leak out of
// query strings and JSON.
func ValidID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && id != "null" && id != "undefined"
}

// RedirectURL is /r/{restaurantId}/t/{tableId}?qr={code}.
func (s ScanIdentity) RedirectURL() string {
	u := url.URL{Path: "/r/" + url.PathEscape(s.RestaurantID) + "/t/" + url.PathEscape(s.TableID)}
	if s.QRCode != "" {
		u.RawQuery = url.Values{"qr": {s.QRCode}}.Encode()
	}
	return u.String()
}

// Scope is the room a table-scoped realtime connection is authorized for.
func (s ScanIdentity) Scope() string { return TableScope(s.RestaurantID, s.TableID) }

func TableScope(restaurantID, tableID string) string {
	return "restaurant:" + restaurantID + ":table:" + tableID
}

func RestaurantScope(restaurantID string) string { return "restaurant:" + restaurantID }

type MenuItem struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Available   bool    `json:"isAvailable"`
}

type MenuCategory struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Items []MenuItem `json:"items"`
}

type Menu struct {
	RestaurantID string         `json:"restaurantId"`
	Categories   []MenuCategory `json:"categories"`
}

// DurableHint is the only identity data kept in durable storage.
type DurableHint struct {
	RestaurantID string `json:"restaurantId"`
	TableID      string `json:"tableId"`
	QRCode       string `json:"qrCode,omitempty"`
}

// FallbackSnapshot is shown only while the cache is cold, to avoid flashing a
// default currency. It is never treated as authoritative.
type FallbackSnapshot struct {
	RestaurantName string `json:"restaurantName"`
	Currency       string `json:"currency"`
	TableNumber    string `json:"tableNumber"`
}
