package handler

import "net/http"

func Router(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/tables/qr/{code}", h.TableHandler.GetTableByQR)
	mux.HandleFunc("GET /api/v1/restaurants/{id}/menu", h.TableHandler.GetMenu)
	mux.HandleFunc("GET /healthz", h.TableHandler.Health)
	return mux
}
