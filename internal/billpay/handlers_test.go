package billpay

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func postJSON(t *testing.T, r http.Handler, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPurchaseDataValidatesPhone(t *testing.T) {
	gin.SetMode(gin.TestMode)
	biller := &fakeBiller{}
	svc, wallets, led, _ := newFixture(biller)
	w, err := wallets.GetOrCreate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	led.Seed(w.ID, dec("1000"))

	r := gin.New()
	NewHandler(svc, slog.Default()).RegisterRoutes(r.Group("/"))

	body := func(phone string) map[string]any {
		return map[string]any{
			"userId":        "user-1",
			"serviceId":     "mtn-data",
			"variationCode": "mtn-1gb",
			"phone":         phone,
			"amount":        "300",
		}
	}

	rec := postJSON(t, r, "/bills/data", body("12345"))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "invalid_phone") {
		t.Fatalf("expected 400 invalid_phone, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(biller.payCalls) != 0 {
		t.Fatal("biller should not be called for a malformed phone")
	}

	rec = postJSON(t, r, "/bills/data", body("08030001111"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(biller.payCalls) != 1 {
		t.Fatalf("expected 1 biller call, got %d", len(biller.payCalls))
	}
}
