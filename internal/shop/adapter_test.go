package shop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := NewAdapter(srv.URL, "secret", 5*time.Second, testLogger)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return a
}

func TestGetProductInfo(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products/P1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = io.WriteString(w, `{"id":"P1","title":"Night Print","variant_ids":["V1","V2"],"edition_total":50}`)
	})

	info, err := a.GetProductInfo(context.Background(), "P1")
	if err != nil {
		t.Fatalf("GetProductInfo: %v", err)
	}
	if info.Title != "Night Print" || info.EditionTotal != 50 || len(info.VariantIDs) != 2 {
		t.Errorf("info = %+v", info)
	}
}

func TestGetProductInfo_NotFoundIsNotRetried(t *testing.T) {
	var calls int32
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, nil)
	})

	_, err := a.GetProductInfo(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestGetProductInfo_RetriesServerErrors(t *testing.T) {
	var calls int32
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"title":"Night Print","edition_total":5}`)
	})

	info, err := a.GetProductInfo(context.Background(), "P1")
	if err != nil {
		t.Fatalf("GetProductInfo: %v", err)
	}
	if info.EditionTotal != 5 {
		t.Errorf("EditionTotal = %d, want 5", info.EditionTotal)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestFetchAllOrdersWithProduct_Paginates(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("variant_ids"); got != "V1,V2" {
			t.Errorf("variant_ids = %q", got)
		}
		switch r.URL.Query().Get("cursor") {
		case "":
			_, _ = io.WriteString(w, `{"line_items":[
				{"order_id":"O1","order_name":"#1001","line_item_id":"11","product_id":"P1","variant_id":"V1","vendor":" Studio ","created_at":"2026-03-01T09:00:00Z"},
				{"order_id":"","line_item_id":"12","created_at":"2026-03-01T09:00:00Z"}
			],"next_cursor":"c2"}`)
		case "c2":
			_, _ = io.WriteString(w, `{"line_items":[
				{"order_id":"O2","line_item_id":"21","product_id":"P1","variant_id":"V2","created_at":"2026-03-01T10:00:00+01:00"}
			],"next_cursor":""}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})

	items, err := a.FetchAllOrdersWithProduct(context.Background(), "P1", []string{"V1", "V2"})
	if err != nil {
		t.Fatalf("FetchAllOrdersWithProduct: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2 (malformed row skipped)", len(items))
	}
	if items[0].VendorName != "Studio" {
		t.Errorf("vendor = %q, want trimmed", items[0].VendorName)
	}
	if items[1].CreatedAt.Location() != time.UTC || items[1].CreatedAt.Hour() != 9 {
		t.Errorf("created_at not normalised to UTC: %v", items[1].CreatedAt)
	}
}

func TestFetchLineItemDetails_Chunks(t *testing.T) {
	var requests int32
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var req detailsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(req.IDs) > detailsChunkSize {
			t.Errorf("chunk of %d ids", len(req.IDs))
		}
		resp := map[string]any{"line_items": map[string]any{}}
		for _, id := range req.IDs {
			resp["line_items"].(map[string]any)[id] = map[string]string{"sku": "SKU-" + id}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	ids := make([]string, 150)
	for i := range ids {
		ids[i] = string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	got, err := a.FetchLineItemDetails(context.Background(), ids)
	if err != nil {
		t.Fatalf("FetchLineItemDetails: %v", err)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
	if got[ids[149]].SKU != "SKU-"+ids[149] {
		t.Errorf("sku = %q", got[ids[149]].SKU)
	}
}

func TestNewAdapter_RejectsBadURL(t *testing.T) {
	if _, err := NewAdapter("not a url", "", time.Second, testLogger); err == nil {
		t.Error("expected error for invalid URL")
	}
}
