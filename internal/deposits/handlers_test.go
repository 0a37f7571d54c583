package deposits

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestConfirmRejectsMalformedReference(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _, _ := newTestService(&fakeGateway{})
	r := gin.New()
	NewHandler(svc, slog.Default()).RegisterRoutes(r.Group("/"))

	for _, ref := range []string{"x", "dep-3f2a9c01b4e6", "DEP-zzzz", "%20"} {
		req := httptest.NewRequest(http.MethodPost, "/deposits/"+ref+"/confirm", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("reference %q: status = %d, want 400: %s", ref, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "invalid_reference") {
			t.Errorf("reference %q: body %q missing invalid_reference", ref, rec.Body.String())
		}
	}
}
