package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"orbit-notifier/pkg/notifier"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultMicroblogBaseURL = "https://twitter241.p.rapidapi.com"
	defaultMicroblogHost    = "twitter241.p.rapidapi.com"
	identityCacheSize       = 512
	timelineCount           = 2
)

var microblogHandleRe = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)

// ValidateMicroblogHandle checks that handle, after stripping "@" and whitespace, is a valid account name.
func ValidateMicroblogHandle(handle string) error {
	if h := cleanHandle(handle); !microblogHandleRe.MatchString(h) {
		return &notifier.ConfigError{Platform: notifier.Microblog, Reason: fmt.Sprintf("invalid handle %q", h)}
	}
	return nil
}

// MicroblogConfig holds credentials for the RapidAPI-hosted microblog API.
type MicroblogConfig struct {
	APIKey  string
	APIHost string
	Options Options
}

// Microblog resolves a handle to a numeric identity and returns the newest tweet on its timeline.
type Microblog struct {
	get        *getter
	identities *lru.Cache[string, string]
	apiKey     string
	apiHost    string
	baseURL    string
}

// NewMicroblog creates a microblog adapter. A missing API key is reported as a ConfigError at fetch time.
func NewMicroblog(cfg MicroblogConfig, client *http.Client, logger *slog.Logger) *Microblog {
	opts := cfg.Options.withDefaults(defaultMicroblogBaseURL)
	host := cfg.APIHost
	if host == "" {
		host = defaultMicroblogHost
	}
	cache, err := lru.New[string, string](identityCacheSize)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &Microblog{
		get:        newGetter(client, logger, notifier.Microblog, opts),
		identities: cache,
		apiKey:     cfg.APIKey,
		apiHost:    host,
		baseURL:    opts.BaseURL,
	}
}

// Platform implements Adapter.
func (*Microblog) Platform() notifier.Platform { return notifier.Microblog }

// Cost returns 1 when the handle's identity is cached and 2 otherwise.
func (m *Microblog) Cost(item notifier.WatchlistItem) int {
	if _, ok := m.identities.Peek(strings.ToLower(cleanHandle(item.Handle))); ok {
		return 1
	}
	return 2
}

// Fetch implements Adapter.
func (m *Microblog) Fetch(ctx context.Context, item notifier.WatchlistItem) (*notifier.NormalizedPost, error) {
	if m.apiKey == "" {
		return nil, &notifier.ConfigError{Platform: notifier.Microblog, Reason: "RAPIDAPI_KEY is not set"}
	}
	handle := cleanHandle(item.Handle)
	if handle == "" {
		return nil, &notifier.ConfigError{Platform: notifier.Microblog, Reason: "empty handle"}
	}

	userID, err := m.resolve(ctx, handle)
	if err != nil {
		return nil, err
	}

	var timeline timelineResponse
	u := m.baseURL + "/user-tweets?user=" + url.QueryEscape(userID) + "&count=" + strconv.Itoa(timelineCount)
	if err := m.get.getJSON(ctx, u, m.header(), &timeline); err != nil {
		return nil, err
	}

	entry, ok := firstTweetEntry(timeline)
	if !ok {
		return nil, nil
	}
	tweet := entry.Content.ItemContent.TweetResults.Result.unwrap()

	id := tweetID(entry, tweet)
	if id == "" {
		return nil, &notifier.ParseError{Platform: notifier.Microblog, Field: "tweet id"}
	}
	text := tweet.Legacy.FullText
	if text == "" {
		text = tweet.Text
	}
	name := tweet.Core.UserResults.Result.Legacy.Name
	if name == "" {
		name = "@" + handle
	}

	return &notifier.NormalizedPost{
		SourceID:    id,
		Text:        text,
		Link:        "https://x.com/" + handle + "/status/" + id,
		DisplayName: name,
		Platform:    notifier.Microblog,
	}, nil
}

func (m *Microblog) header() http.Header {
	h := http.Header{}
	h.Set("x-rapidapi-key", m.apiKey)
	h.Set("x-rapidapi-host", m.apiHost)
	return h
}

func (m *Microblog) resolve(ctx context.Context, handle string) (string, error) {
	key := strings.ToLower(handle)
	if id, ok := m.identities.Get(key); ok {
		return id, nil
	}

	var resp userLookupResponse
	u := m.baseURL + "/user?username=" + url.QueryEscape(handle)
	if err := m.get.getJSON(ctx, u, m.header(), &resp); err != nil {
		return "", err
	}
	id, err := resp.identity()
	if err != nil {
		return "", err
	}
	m.identities.Add(key, id)
	return id, nil
}

// userLookupResponse covers the response shapes the lookup endpoint has been observed to return.
type userLookupResponse struct {
	Result struct {
		Data struct {
			User struct {
				Result struct {
					RestID flexID `json:"rest_id"`
				} `json:"result"`
			} `json:"user"`
		} `json:"data"`
		RestID flexID `json:"rest_id"`
	} `json:"result"`
	Data struct {
		User struct {
			ID flexID `json:"id"`
		} `json:"user"`
	} `json:"data"`
	ID flexID `json:"id"`
}

func (r userLookupResponse) identity() (string, error) {
	for _, id := range []flexID{
		r.Result.Data.User.Result.RestID,
		r.Result.RestID,
		r.Data.User.ID,
		r.ID,
	} {
		if id != "" {
			return string(id), nil
		}
	}
	return "", &notifier.ParseError{Platform: notifier.Microblog, Field: "user id"}
}

type timelineResponse struct {
	Result struct {
		Timeline struct {
			Instructions []timelineInstruction `json:"instructions"`
		} `json:"timeline"`
	} `json:"result"`
}

type timelineInstruction struct {
	Type    string          `json:"type"`
	Entries []timelineEntry `json:"entries"`
}

type timelineEntry struct {
	EntryID string `json:"entryId"`
	Content struct {
		ItemContent struct {
			TweetResults struct {
				Result tweetResult `json:"result"`
			} `json:"tweet_results"`
		} `json:"itemContent"`
	} `json:"content"`
}

type tweetResult struct {
	TypeName string       `json:"__typename"`
	Tweet    *tweetResult `json:"tweet"` // set for TweetWithVisibilityResults
	RestID   flexID       `json:"rest_id"`
	Text     string       `json:"text"`
	Legacy   struct {
		IDStr    flexID `json:"id_str"`
		FullText string `json:"full_text"`
	} `json:"legacy"`
	Core struct {
		UserResults struct {
			Result struct {
				Legacy struct {
					Name string `json:"name"`
				} `json:"legacy"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
}

func (t tweetResult) unwrap() tweetResult {
	if t.Tweet != nil {
		return *t.Tweet
	}
	return t
}

const tweetEntryPrefix = "tweet-"

// firstTweetEntry returns the first genuine tweet across all TimelineAddEntries instructions.
// Cursors, promoted content, recommendations and pinned entries are skipped.
func firstTweetEntry(t timelineResponse) (timelineEntry, bool) {
	for _, ins := range t.Result.Timeline.Instructions {
		if ins.Type != "TimelineAddEntries" {
			continue
		}
		for _, e := range ins.Entries {
			if strings.HasPrefix(e.EntryID, tweetEntryPrefix) {
				return e, true
			}
		}
	}
	return timelineEntry{}, false
}

func tweetID(e timelineEntry, t tweetResult) string {
	if t.RestID != "" {
		return string(t.RestID)
	}
	if t.Legacy.IDStr != "" {
		return string(t.Legacy.IDStr)
	}
	return strings.TrimPrefix(e.EntryID, tweetEntryPrefix)
}
