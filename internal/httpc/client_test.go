package httpc

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSetsUserAgent(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"default", "", UserAgent},
		{"caller override", "custom/2", "custom/2"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get("User-Agent")
			}))
			defer srv.Close()

			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tc.header != "" {
				req.Header.Set("User-Agent", tc.header)
			}
			resp, err := Client.Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			resp.Body.Close()

			if got != tc.want {
				t.Errorf("User-Agent = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewClientTimeout(t *testing.T) {
	c := NewClient(DefaultTimeout)
	if c.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v", c.Timeout)
	}
}
