package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"table-session/internal/common/logger"
	"table-session/internal/common/mq"
	"table-session/internal/common/token"
	"table-session/internal/domain"
	"table-session/internal/microservices/tableapi/repository"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrInactive   = errors.New("inactive")
	ErrBadRequest = errors.New("bad request")
)

// EventPublisher is satisfied by *mq.Client; nil disables scan notifications.
type EventPublisher interface {
	Publish(ctx context.Context, m mq.Message) error
}

type TableServiceInterface interface {
	ResolveQR(ctx context.Context, code string) (domain.TableInfo, error)
	GetMenu(ctx context.Context, restaurantID string) (domain.Menu, error)
	Ready(ctx context.Context) error
}

type TableService struct {
	repo     repository.TableRepoInterface
	signer   *token.Signer
	pub      EventPublisher
	exchange string
	lg       *logger.Logger
	now      func() time.Time
}

func NewTableService(repo repository.TableRepoInterface, signer *token.Signer, pub EventPublisher, exchange string, lg *logger.Logger) *TableService {
	return &TableService{repo: repo, signer: signer, pub: pub, exchange: exchange, lg: lg, now: time.Now}
}

// ResolveQR looks up the table behind a QR code and issues a session token
// for its scope. Inactive tables and restaurants are reported as ErrInactive.
func (s *TableService) ResolveQR(ctx context.Context, code string) (domain.TableInfo, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.TableInfo{}, fmt.Errorf("%w: empty qr code", ErrBadRequest)
	}
	rest, tbl, ok, err := s.repo.FindByQRCode(ctx, code)
	if err != nil {
		return domain.TableInfo{}, err
	}
	if !ok {
		return domain.TableInfo{}, fmt.Errorf("%w: qr code %q", ErrNotFound, code)
	}
	if !rest.Active || !tbl.Active {
		return domain.TableInfo{}, fmt.Errorf("%w: table %s of restaurant %s", ErrInactive, tbl.ID, rest.ID)
	}

	tok, err := s.signer.Issue(rest.ID, tbl.ID, s.now())
	if err != nil {
		return domain.TableInfo{}, fmt.Errorf("issue session token: %w", err)
	}
	info := domain.TableInfo{Restaurant: rest, Table: tbl, SessionToken: tok}
	s.notifyScan(ctx, info)
	return info, nil
}

func (s *TableService) GetMenu(ctx context.Context, restaurantID string) (domain.Menu, error) {
	if !domain.ValidID(restaurantID) {
		return domain.Menu{}, fmt.Errorf("%w: restaurant id %q", ErrBadRequest, restaurantID)
	}
	rest, ok, err := s.repo.GetRestaurant(ctx, restaurantID)
	if err != nil {
		return domain.Menu{}, err
	}
	if !ok {
		return domain.Menu{}, fmt.Errorf("%w: restaurant %q", ErrNotFound, restaurantID)
	}
	if !rest.Active {
		return domain.Menu{}, fmt.Errorf("%w: restaurant %q", ErrInactive, restaurantID)
	}
	cats, err := s.repo.GetMenu(ctx, restaurantID)
	if err != nil {
		return domain.Menu{}, err
	}
	if cats == nil {
		cats = []domain.MenuCategory{}
	}
	return domain.Menu{RestaurantID: restaurantID, Categories: cats}, nil
}

func (s *TableService) Ready(ctx context.Context) error { return s.repo.Ping(ctx) }

// notifyScan tells staff in the restaurant room that a guest sat down.
// Failures are logged only; the guest flow must not depend on the broker.
func (s *TableService) notifyScan(ctx context.Context, info domain.TableInfo) {
	if s.pub == nil {
		return
	}
	room := domain.RestaurantScope(info.Restaurant.ID)
	payload, _ := json.Marshal(map[string]string{"tableId": info.Table.ID, "tableNumber": info.Table.Number})
	body, err := json.Marshal(domain.Event{Name: "table_scanned", Room: room, Payload: payload, SentAt: s.now().UTC()})
	if err != nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err = s.pub.Publish(pctx, mq.Message{
		Exchange:  s.exchange,
		Key:       mq.RoomKey(room, "table_scanned"),
		Body:      body,
		MessageID: uuid.NewString(),
	})
	if err != nil {
		s.lg.Warn("scan_notification_failed", map[string]any{"restaurant_id": info.Restaurant.ID, "error": err.Error()})
	}
}
