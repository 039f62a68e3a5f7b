package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type orderDraft struct {
	UnitTypeID string `json:"unit_type_id"`
	Kind       string `json:"kind"`
	Start      string `json:"start"`
}

// createOrderEcho разбирает тело заказа и отвечает черновиком со статусом CREATED.
func createOrderEcho(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var draft orderDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "malformed order", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"unit_type_id": draft.UnitTypeID,
		"kind":         draft.Kind,
		"status":       "CREATED",
	})
}

func gzipped(t *testing.T, payload string) io.Reader {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(payload)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	const order = `{"unit_type_id":"small","kind":"LIMITED","start":"2024-03-01"}`

	tests := []struct {
		name           string
		compressBody   bool
		acceptEncoding string
		wantStatus     int
		wantEncoding   string
	}{
		{
			name:           "gzipped order, gzipped response",
			compressBody:   true,
			acceptEncoding: "gzip",
			wantStatus:     http.StatusCreated,
			wantEncoding:   "gzip",
		},
		{
			name:           "gzipped order, plain response",
			compressBody:   true,
			acceptEncoding: "",
			wantStatus:     http.StatusCreated,
			wantEncoding:   "",
		},
		{
			name:           "plain order, gzipped response",
			compressBody:   false,
			acceptEncoding: "gzip, deflate",
			wantStatus:     http.StatusCreated,
			wantEncoding:   "gzip",
		},
		{
			name:           "plain order, plain response",
			compressBody:   false,
			acceptEncoding: "",
			wantStatus:     http.StatusCreated,
			wantEncoding:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := io.Reader(strings.NewReader(order))
			if tt.compressBody {
				body = gzipped(t, order)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/orders", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(createOrderEcho)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status: got %d want %d", res.StatusCode, tt.wantStatus)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.wantEncoding)
			}

			reader := io.Reader(res.Body)
			if tt.wantEncoding == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}

			var got map[string]string
			if err := json.NewDecoder(reader).Decode(&got); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if got["unit_type_id"] != "small" || got["kind"] != "LIMITED" || got["status"] != "CREATED" {
				t.Fatalf("unexpected order echo: %v", got)
			}
		})
	}
}

func TestGzipMiddleware_AvailabilityIsCompressed(t *testing.T) {
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"unit_type_id":"small","unit_ids":["small-01","small-02"]}`))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/unit-types/small/availability?start=2024-03-01", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if ce := w.Result().Header.Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("content-encoding: got %q want gzip", ce)
	}
	gr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("new gzip reader: %v", err)
	}
	body, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `"small-02"`) {
		t.Fatalf("body %q does not list small-02", string(body))
	}
}

func TestGzipMiddleware_MalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})).ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	h := Logger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders/1", nil))

	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) {
		t.Fatalf("status field = %v, want %d", fields["status"], http.StatusTeapot)
	}
	if fields["size"] != int64(len("short and stout")) {
		t.Fatalf("size field = %v", fields["size"])
	}
	if fields["uri"] != "/api/orders/1" {
		t.Fatalf("uri field = %v", fields["uri"])
	}
}
