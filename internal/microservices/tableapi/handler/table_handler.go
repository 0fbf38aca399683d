package handler

import (
	"errors"
	"net/http"

	"table-session/internal/common/httpx"
	"table-session/internal/domain"
	"table-session/internal/microservices/tableapi/service"
)

type TableHandler struct {
	service service.TableServiceInterface
}

func NewTableHandler(svc service.TableServiceInterface) *TableHandler {
	return &TableHandler{service: svc}
}

func (h *TableHandler) GetTableByQR(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.ResolveQR(r.Context(), r.PathValue("code"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, info)
}

func (h *TableHandler) GetMenu(w http.ResponseWriter, r *http.Request) {
	menu, err := h.service.GetMenu(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, menu)
}

func (h *TableHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ready(r.Context()); err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, domain.CodeInternal, "database unavailable")
		return
	}
	httpx.WriteData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps service errors to envelope codes. Internal details
// are not echoed to the client.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, domain.CodeNotFound, err.Error())
	case errors.Is(err, service.ErrInactive):
		httpx.WriteError(w, http.StatusForbidden, domain.CodeForbidden, err.Error())
	case errors.Is(err, service.ErrBadRequest):
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeBadInput, err.Error())
	default:
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeInternal, "internal error")
	}
}
