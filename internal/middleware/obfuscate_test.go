package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/obfuscate"
	"relay-proxy-go/internal/requestid"
)

func TestObfuscate_RewritesBeforeHandler(t *testing.T) {
	tr, err := obfuscate.New(obfuscate.Options{Level: obfuscate.LevelStandard})
	if err != nil {
		t.Fatalf("obfuscate.New: %v", err)
	}

	e := echo.New()
	e.Use(RequestContext(), Obfuscate(tr))

	var got http.Header
	e.GET("/", func(c echo.Context) error {
		got = c.Request().Header.Clone()
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("User-Agent", "curl/8.0")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if ua := got.Get("User-Agent"); ua == "" || ua == "curl/8.0" {
		t.Errorf("User-Agent = %q, want one from the pool", ua)
	}
	if got.Get("X-Forwarded-For") != "" {
		t.Error("X-Forwarded-For should be removed")
	}
	if got.Get("Accept") != obfuscate.Accept {
		t.Errorf("Accept = %q, want %q", got.Get("Accept"), obfuscate.Accept)
	}
	if id := rec.Header().Get(requestid.Header); got.Get(requestid.Header) != id {
		t.Errorf("forwarded X-Request-Id = %q, want %q", got.Get(requestid.Header), id)
	}
}
