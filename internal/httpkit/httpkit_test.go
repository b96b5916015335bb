package httpkit

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClientTimeouts(t *testing.T) {
	tests := []struct {
		name       string
		client     *http.Client
		timeout    time.Duration
		headerWait time.Duration
	}{
		{"default", NewClient(), DefaultRequestTimeout, DefaultResponseHeader},
		{"custom", NewClient(WithTimeout(5*time.Second), WithResponseHeaderTimeout(2*time.Second)), 5 * time.Second, 2 * time.Second},
		{"streaming", NewStreamingClient(), 0, StreamingResponseHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.client.Timeout != tt.timeout {
				t.Errorf("Timeout = %v, want %v", tt.client.Timeout, tt.timeout)
			}
			ua, ok := tt.client.Transport.(userAgent)
			if !ok {
				t.Fatalf("Transport = %T", tt.client.Transport)
			}
			tr := ua.base.(*http.Transport)
			if tr.ResponseHeaderTimeout != tt.headerWait {
				t.Errorf("ResponseHeaderTimeout = %v, want %v", tr.ResponseHeaderTimeout, tt.headerWait)
			}
			if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
				t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
			}
		})
	}
}

func TestUserAgentHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.UserAgent())
	}))
	defer srv.Close()

	get := func(ua string) string {
		t.Helper()
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, nil)
		if err != nil {
			t.Fatal(err)
		}
		if ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		resp, err := NewClient().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	if got := get(""); !strings.HasPrefix(got, "parley/") {
		t.Errorf("default User-Agent = %q", got)
	}
	if got := get("mcp-probe/1"); got != "mcp-probe/1" {
		t.Errorf("explicit User-Agent replaced: %q", got)
	}
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

type failingBody struct{ closed bool }

func (b *failingBody) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func (b *failingBody) Close() error {
	b.closed = true
	return nil
}

func TestDrainAndClose(t *testing.T) {
	DrainAndClose(nil, 10)

	src := strings.NewReader(strings.Repeat("x", 100))
	body := &trackingBody{Reader: src}
	DrainAndClose(body, 40)
	if !body.closed {
		t.Error("body not closed")
	}
	if src.Len() != 60 {
		t.Errorf("%d bytes left unread, want 60", src.Len())
	}
}

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name  string
		body  io.ReadCloser
		limit int64
		want  string
	}{
		{"nil", nil, 4096, ""},
		{"short", &trackingBody{Reader: strings.NewReader(`{"error":"overloaded"}`)}, 4096, `{"error":"overloaded"}`},
		{"truncated", &trackingBody{Reader: strings.NewReader("abcdefghij")}, 4, "abcd"},
		{"read error", &failingBody{}, 4096, "(failed to read error body: connection reset)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadErrorBody(tt.body, tt.limit); got != tt.want {
				t.Errorf("ReadErrorBody = %q, want %q", got, tt.want)
			}
		})
	}
}
