package handler

import (
	"net/http"

	"table-session/internal/common/httpx"
	"table-session/internal/microservices/gateway/hub"
)

func Router(ws *WSHandler, h *hub.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{namespace}", ws.Connect)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteData(w, http.StatusOK, map[string]int{"clients": ws.Clients(), "rooms": h.Rooms()})
	})
	return mux
}
