package handler

import "table-session/internal/microservices/tableapi/service"

type Handler struct {
	TableHandler *TableHandler
}

func New(svc service.TableServiceInterface) *Handler {
	return &Handler{TableHandler: NewTableHandler(svc)}
}
