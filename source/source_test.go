package source

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"orbit-notifier/pkg/notifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeJSON(s string, dest any) error {
	return json.Unmarshal([]byte(s), dest)
}

func testOptions(baseURL string) Options {
	return Options{BaseURL: baseURL, Timeout: 2 * time.Second, Attempts: 3, Delay: time.Millisecond}
}

func TestCleanHandle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"@jack", "jack"},
		{"  jack \n", "jack"},
		{"@ja ck", "jack"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := cleanHandle(tt.in); got != tt.want {
				t.Errorf("cleanHandle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFlexID(t *testing.T) {
	tests := []struct {
		in   string
		want flexID
	}{
		{`"123"`, "123"},
		{`123`, "123"},
		{`1790000000000000000`, "1790000000000000000"},
		{`null`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var got flexID
			require.NoError(t, json.Unmarshal([]byte(tt.in), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	var bad flexID
	assert.Error(t, json.Unmarshal([]byte(`{}`), &bad))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héllo", truncateRunes("héllo", 5))
	assert.Equal(t, "hé...", truncateRunes("héllo", 2))
}

func TestGetterRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	g := newGetter(srv.Client(), testLogger(), notifier.Forum, testOptions(srv.URL).withDefaults(""))
	body, err := g.get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetterDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	g := newGetter(srv.Client(), testLogger(), notifier.Forum, testOptions(srv.URL).withDefaults(""))
	_, err := g.get(context.Background(), srv.URL, nil)
	require.Error(t, err)

	var fe *notifier.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, notifier.IsFetchError(err))
}

func TestGetterTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	opts := Options{Timeout: 20 * time.Millisecond, Attempts: 1}.withDefaults(srv.URL)
	g := newGetter(srv.Client(), testLogger(), notifier.VideoFeed, opts)
	_, err := g.get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, notifier.IsFetchError(err))
}
