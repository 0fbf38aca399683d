package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"table-session/internal/domain"
)

func writeEnvelope(w http.ResponseWriter, status int, env domain.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env) //nolint:errcheck
}

func TestGetTableInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tables/qr/ABC123" {
			http.NotFound(w, r)
			return
		}
		writeEnvelope(w, http.StatusOK, domain.Envelope{Success: true, Data: json.RawMessage(`{"restaurant":{"id":"r1"},"table":{"id":"t1"}}`)})
	}))
	defer srv.Close()

	c := New(srv.URL, "", 0)
	data, err := c.GetTableInfo(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("GetTableInfo() error: %v", err)
	}
	if !strings.Contains(string(data), `"r1"`) {
		t.Errorf("data = %s, want restaurant r1", data)
	}
}

func TestGetTableInfo_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusNotFound, domain.Envelope{Error: &domain.EnvelopeError{Code: domain.CodeNotFound, Message: "qr code not found"}})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", 0).GetTableInfo(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error for unknown code")
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Errorf("IsStatus(404) = false for %v", err)
	}
	if !IsCode(err, domain.CodeNotFound) {
		t.Errorf("IsCode(NOT_FOUND) = false for %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "HTTP 404") {
		t.Errorf("error = %q, want it to contain 'HTTP 404'", got)
	}
}

func TestGetTableInfo_EnvelopeFailureOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusOK, domain.Envelope{Success: false, Error: &domain.EnvelopeError{Code: domain.CodeForbidden, Message: "table inactive"}})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", 0).GetTableInfo(context.Background(), "X")
	if !IsCode(err, domain.CodeForbidden) {
		t.Fatalf("IsCode(FORBIDDEN) = false for %v", err)
	}
	if IsStatus(err, http.StatusForbidden) {
		t.Error("a 200 envelope failure is not an HTTP status error")
	}
}

func TestGetMenuSendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeEnvelope(w, http.StatusOK, domain.Envelope{Success: true, Data: json.RawMessage(`{"restaurantId":"r1","categories":[{"id":"c1","name":"Pizza","items":[{"id":"i1","name":"Margherita","price":9.5,"isAvailable":true}]}]}`)})
	}))
	defer srv.Close()

	m, err := New(srv.URL+"/", "tok", 0).GetMenu(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetMenu() error: %v", err)
	}
	if len(m.Categories) != 1 || m.Categories[0].Items[0].Name != "Margherita" {
		t.Errorf("menu = %+v", m)
	}
}

func TestGetMenu_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "bad", 0).GetMenu(context.Background(), "r1")
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("IsStatus(401) = false for %v", err)
	}
}
