package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"table-session/internal/domain"
)

type TableRepoInterface interface {
	FindByQRCode(ctx context.Context, code string) (domain.Restaurant, domain.Table, bool, error)
	GetRestaurant(ctx context.Context, id string) (domain.Restaurant, bool, error)
	GetMenu(ctx context.Context, restaurantID string) ([]domain.MenuCategory, error)
	Ping(ctx context.Context) error
}

type TableRepo struct {
	db *pgxpool.Pool
}

func NewTableRepo(db *pgxpool.Pool) *TableRepo { return &TableRepo{db: db} }

func (r *TableRepo) FindByQRCode(ctx context.Context, code string) (domain.Restaurant, domain.Table, bool, error) {
	var (
		rest domain.Restaurant
		tbl  domain.Table
	)
	err := r.db.QueryRow(ctx, `
SELECT r.id, r.name, r.slug, r.currency, COALESCE(r.logo_url,''), r.is_active,
       t.id, t.number, t.qr_code, t.is_active
FROM restaurant_tables t
JOIN restaurants r ON r.id = t.restaurant_id
WHERE t.qr_code = $1
`, code).Scan(&rest.ID, &rest.Name, &rest.Slug, &rest.Currency, &rest.LogoURL, &rest.Active,
		&tbl.ID, &tbl.Number, &tbl.QRCode, &tbl.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Restaurant{}, domain.Table{}, false, nil
	}
	if err != nil {
		return domain.Restaurant{}, domain.Table{}, false, fmt.Errorf("find table by qr: %w", err)
	}
	tbl.RestaurantID = rest.ID
	return rest, tbl, true, nil
}

func (r *TableRepo) GetRestaurant(ctx context.Context, id string) (domain.Restaurant, bool, error) {
	var rest domain.Restaurant
	err := r.db.QueryRow(ctx, `
SELECT id, name, slug, currency, COALESCE(logo_url,''), is_active
FROM restaurants WHERE id = $1
`, id).Scan(&rest.ID, &rest.Name, &rest.Slug, &rest.Currency, &rest.LogoURL, &rest.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Restaurant{}, false, nil
	}
	if err != nil {
		return domain.Restaurant{}, false, fmt.Errorf("get restaurant: %w", err)
	}
	return rest, true, nil
}

// GetMenu returns categories in display order with their items nested.
func (r *TableRepo) GetMenu(ctx context.Context, restaurantID string) ([]domain.MenuCategory, error) {
	rows, err := r.db.Query(ctx, `
SELECT c.id, c.name, i.id, i.name, COALESCE(i.description,''), i.price, i.is_available
FROM menu_categories c
LEFT JOIN menu_items i ON i.category_id = c.id
WHERE c.restaurant_id = $1
ORDER BY c.position, c.name, i.position, i.name
`, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("get menu: %w", err)
	}
	defer rows.Close()

	var (
		out   []domain.MenuCategory
		index = map[string]int{}
	)
	for rows.Next() {
		var (
			catID, catName             string
			itemID, itemName, itemDesc *string
			price                      *float64
			available                  *bool
		)
		if err := rows.Scan(&catID, &catName, &itemID, &itemName, &itemDesc, &price, &available); err != nil {
			return nil, err
		}
		i, ok := index[catID]
		if !ok {
			i = len(out)
			index[catID] = i
			out = append(out, domain.MenuCategory{ID: catID, Name: catName, Items: []domain.MenuItem{}})
		}
		if itemID == nil {
			continue
		}
		item := domain.MenuItem{ID: *itemID}
		if itemName != nil {
			item.Name = *itemName
		}
		if itemDesc != nil {
			item.Description = *itemDesc
		}
		if price != nil {
			item.Price = *price
		}
		if available != nil {
			item.Available = *available
		}
		out[i].Items = append(out[i].Items, item)
	}
	return out, rows.Err()
}

func (r *TableRepo) Ping(ctx context.Context) error { return r.db.Ping(ctx) }
