package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"orbit-notifier/pkg/notifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTimeline = `{"result":{"timeline":{"instructions":[
 {"type":"TimelineClearCache"},
 {"type":"TimelinePinEntry","entry":{"entryId":"tweet-1","content":{}}},
 {"type":"TimelineAddEntries","entries":[
  {"entryId":"promoted-tweet-99","content":{"itemContent":{"tweet_results":{"result":{"rest_id":"99","legacy":{"full_text":"ad"}}}}}},
  {"entryId":"who-to-follow-1","content":{}},
  {"entryId":"tweet-1790000000000000001","content":{"itemContent":{"tweet_results":{"result":{
    "__typename":"Tweet","rest_id":"1790000000000000001",
    "core":{"user_results":{"result":{"legacy":{"name":"Jack"}}}},
    "legacy":{"full_text":"just setting up","id_str":"1790000000000000001"}}}}}},
  {"entryId":"cursor-bottom-0","content":{}}
 ]}
]}}}`

type microblogFake struct {
	lookups  atomic.Int32
	timeline string
	lookup   string
}

func (f *microblogFake) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-rapidapi-key"))
		assert.NotEmpty(t, r.Header.Get("x-rapidapi-host"))
		switch r.URL.Path {
		case "/user":
			f.lookups.Add(1)
			assert.Equal(t, "jack", r.URL.Query().Get("username"))
			_, _ = w.Write([]byte(f.lookup))
		case "/user-tweets":
			assert.Equal(t, "12", r.URL.Query().Get("user"))
			assert.Equal(t, "2", r.URL.Query().Get("count"))
			_, _ = w.Write([]byte(f.timeline))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestMicroblog(srv *httptest.Server, key string) *Microblog {
	return NewMicroblog(MicroblogConfig{APIKey: key, Options: testOptions(srv.URL)}, srv.Client(), testLogger())
}

func TestMicroblogFirstGenuineTweet(t *testing.T) {
	fake := &microblogFake{
		lookup:   `{"result":{"data":{"user":{"result":{"rest_id":"12"}}}}}`,
		timeline: sampleTimeline,
	}
	m := newTestMicroblog(fake.server(t), "secret")
	item := notifier.WatchlistItem{Platform: notifier.Microblog, Handle: "@jack"}

	assert.Equal(t, 2, m.Cost(item))

	post, err := m.Fetch(context.Background(), item)
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, "1790000000000000001", post.SourceID)
	assert.Equal(t, "just setting up", post.Text)
	assert.Equal(t, "Jack", post.DisplayName)
	assert.Equal(t, "https://x.com/jack/status/1790000000000000001", post.Link)

	// Identity is cached after the first lookup.
	assert.Equal(t, 1, m.Cost(notifier.WatchlistItem{Handle: "JACK"}))
	_, err = m.Fetch(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.lookups.Load())
}

func TestMicroblogIdentityVariants(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"nested rest_id", `{"result":{"data":{"user":{"result":{"rest_id":"12"}}}}}`, "12", false},
		{"result rest_id", `{"result":{"rest_id":"34"}}`, "34", false},
		{"data user id", `{"data":{"user":{"id":56}}}`, "56", false},
		{"top-level id", `{"id":"78"}`, "78", false},
		{"missing", `{"result":{}}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp userLookupResponse
			require.NoError(t, decodeJSON(tt.body, &resp))
			got, err := resp.identity()
			if tt.wantErr {
				var pe *notifier.ParseError
				assert.ErrorAs(t, err, &pe)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMicroblogTweetIDFallbacks(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		want  string
	}{
		{"rest_id", `{"entryId":"tweet-1","content":{"itemContent":{"tweet_results":{"result":{"rest_id":"10","legacy":{"id_str":"11"}}}}}}`, "10"},
		{"id_str", `{"entryId":"tweet-1","content":{"itemContent":{"tweet_results":{"result":{"legacy":{"id_str":"11"}}}}}}`, "11"},
		{"entry suffix", `{"entryId":"tweet-12","content":{}}`, "12"},
		{"visibility wrapper", `{"entryId":"tweet-1","content":{"itemContent":{"tweet_results":{"result":{"__typename":"TweetWithVisibilityResults","tweet":{"rest_id":"13"}}}}}}`, "13"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e timelineEntry
			require.NoError(t, decodeJSON(tt.entry, &e))
			if got := tweetID(e, e.Content.ItemContent.TweetResults.Result.unwrap()); got != tt.want {
				t.Errorf("tweetID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMicroblogNoTweets(t *testing.T) {
	fake := &microblogFake{
		lookup:   `{"id":"12"}`,
		timeline: `{"result":{"timeline":{"instructions":[{"type":"TimelineAddEntries","entries":[{"entryId":"cursor-top-1"}]}]}}}`,
	}
	m := newTestMicroblog(fake.server(t), "secret")

	post, err := m.Fetch(context.Background(), notifier.WatchlistItem{Handle: "jack"})
	require.NoError(t, err)
	assert.Nil(t, post)
}

func TestMicroblogFallbackTextAndName(t *testing.T) {
	fake := &microblogFake{
		lookup:   `{"id":12}`,
		timeline: `{"result":{"timeline":{"instructions":[{"type":"TimelineAddEntries","entries":[{"entryId":"tweet-5","content":{"itemContent":{"tweet_results":{"result":{"text":"plain"}}}}}]}]}}}`,
	}
	m := newTestMicroblog(fake.server(t), "secret")

	post, err := m.Fetch(context.Background(), notifier.WatchlistItem{Handle: "jack"})
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, "5", post.SourceID)
	assert.Equal(t, "plain", post.Text)
	assert.Equal(t, "@jack", post.DisplayName)
}

func TestMicroblogMissingKey(t *testing.T) {
	fake := &microblogFake{}
	m := newTestMicroblog(fake.server(t), "")

	_, err := m.Fetch(context.Background(), notifier.WatchlistItem{Handle: "jack"})
	require.Error(t, err)
	assert.True(t, notifier.IsConfigError(err))
	assert.Equal(t, int32(0), fake.lookups.Load())
}

func TestValidateMicroblogHandle(t *testing.T) {
	tests := []struct {
		handle string
		ok     bool
	}{
		{"jack", true},
		{"@jack_2", true},
		{" @Jack ", true},
		{"", false},
		{"jack/status", false},
		{"averyveryverylonghandle", false},
	}
	for _, tt := range tests {
		err := ValidateMicroblogHandle(tt.handle)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateMicroblogHandle(%q) = %v, want ok=%v", tt.handle, err, tt.ok)
		}
		if err != nil && !notifier.IsConfigError(err) {
			t.Errorf("ValidateMicroblogHandle(%q) error is not a ConfigError: %v", tt.handle, err)
		}
	}
}

func TestMicroblogRetriesAreMetered(t *testing.T) {
	var upstream atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream.Add(1)
		switch r.URL.Path {
		case "/user":
			_, _ = w.Write([]byte(`{"result":{"data":{"user":{"result":{"rest_id":"12"}}}}}`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		name     string
		budget   int
		upstream int32
	}{
		{"budget covers every retry", 100, 4},
		{"budget runs out after one retry", 1, 3},
		{"no budget for retries", 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream.Store(0)
			m := newTestMicroblog(srv, "secret")
			item := notifier.WatchlistItem{Platform: notifier.Microblog, Handle: "jack"}
			metered := m.Cost(item)
			budget := tt.budget
			ctx := WithMeter(context.Background(), func(n int) bool {
				if budget < n {
					return false
				}
				budget -= n
				metered += n
				return true
			})

			_, err := m.Fetch(ctx, item)
			require.Error(t, err)
			assert.True(t, notifier.IsFetchError(err))
			assert.Equal(t, tt.upstream, upstream.Load())
			assert.Equal(t, int(upstream.Load()), metered)
			if tt.budget < 2 {
				assert.ErrorIs(t, err, ErrQuotaExhausted)
			}
		})
	}
}
