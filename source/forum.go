package source

import (
	"context"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"orbit-notifier/pkg/notifier"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

const (
	defaultForumBaseURL   = "https://www.reddit.com"
	defaultForumUserAgent = "orbit-notifier/1.0"
	forumLinkBase         = "https://reddit.com"
	noTitle               = "[No title]"
)

var forumNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Forum fetches the newest submission of a user or community listing.
type Forum struct {
	get     *getter
	policy  *bluemonday.Policy
	baseURL string
}

// NewForum creates a forum adapter.
func NewForum(opts Options, client *http.Client, logger *slog.Logger) *Forum {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultForumUserAgent
	}
	opts = opts.withDefaults(defaultForumBaseURL)
	return &Forum{
		get:     newGetter(client, logger, notifier.Forum, opts),
		policy:  bluemonday.StrictPolicy(),
		baseURL: opts.BaseURL,
	}
}

// Platform implements Adapter.
func (*Forum) Platform() notifier.Platform { return notifier.Forum }

// forumTarget is a parsed forum handle.
type forumTarget struct {
	name   string
	isUser bool
}

// parseForumHandle strips "@", whitespace and an "r/" or "u/" prefix (with optional leading slash).
func parseForumHandle(handle string) (forumTarget, error) {
	h := strings.TrimPrefix(cleanHandle(handle), "/")
	var t forumTarget
	switch lower := strings.ToLower(h); {
	case strings.HasPrefix(lower, "u/"):
		t.isUser = true
		h = h[2:]
	case strings.HasPrefix(lower, "user/"):
		t.isUser = true
		h = h[5:]
	case strings.HasPrefix(lower, "r/"):
		h = h[2:]
	}
	t.name = strings.Trim(h, "/")
	if t.name == "" {
		return t, &notifier.ConfigError{Platform: notifier.Forum, Reason: "empty name"}
	}
	if !forumNamePattern.MatchString(t.name) {
		return t, &notifier.ConfigError{Platform: notifier.Forum, Reason: "invalid name " + t.name}
	}
	return t, nil
}

// ValidateForumHandle reports whether handle names a user or community.
func ValidateForumHandle(handle string) error {
	_, err := parseForumHandle(handle)
	return err
}

// Fetch implements Adapter.
func (f *Forum) Fetch(ctx context.Context, item notifier.WatchlistItem) (*notifier.NormalizedPost, error) {
	target, err := parseForumHandle(item.Handle)
	if err != nil {
		return nil, err
	}

	var u string
	if target.isUser {
		u = f.baseURL + "/user/" + url.PathEscape(target.name) + "/submitted.json?limit=1&sort=new"
	} else {
		u = f.baseURL + "/r/" + url.PathEscape(target.name) + "/new.json?limit=1"
	}

	var listing forumListing
	if err := f.get.getJSON(ctx, u, nil, &listing); err != nil {
		return nil, err
	}
	if len(listing.Data.Children) == 0 {
		return nil, nil
	}
	post := listing.Data.Children[0].Data
	if post.ID == "" {
		return nil, &notifier.ParseError{Platform: notifier.Forum, Field: "id"}
	}

	link := post.Permalink
	if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
		link = forumLinkBase + link
	}

	var display string
	switch {
	case target.isUser && post.Author != "":
		display = "u/" + post.Author
	case target.isUser:
		display = "u/" + target.name
	case post.Subreddit != "":
		display = "r/" + post.Subreddit
	default:
		display = "r/" + target.name
	}

	return &notifier.NormalizedPost{
		SourceID:    string(post.ID),
		Text:        f.text(post),
		Link:        link,
		DisplayName: display,
		Platform:    notifier.Forum,
	}, nil
}

// text picks the title, then a sanitized excerpt of the body, then a placeholder.
func (f *Forum) text(p forumPost) string {
	if t := strings.TrimSpace(p.Title); t != "" {
		return t
	}
	if s := f.excerpt(p.Selftext); s != "" {
		return s
	}
	if p.SelftextHTML != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.SelftextHTML)); err == nil {
			if s := f.excerpt(doc.Text()); s != "" {
				return s
			}
		}
	}
	if s := f.excerpt(p.Body); s != "" {
		return s
	}
	return noTitle
}

func (f *Forum) excerpt(s string) string {
	// Sanitize strips markup but escapes the remaining text; notifications carry plain text.
	s = strings.Join(strings.Fields(html.UnescapeString(f.policy.Sanitize(s))), " ")
	return truncateRunes(s, excerptRunes)
}

type forumListing struct {
	Data struct {
		Children []struct {
			Data forumPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type forumPost struct {
	ID           flexID `json:"id"`
	Title        string `json:"title"`
	Selftext     string `json:"selftext"`
	SelftextHTML string `json:"selftext_html"`
	Body         string `json:"body"`
	Permalink    string `json:"permalink"`
	Author       string `json:"author"`
	Subreddit    string `json:"subreddit"`
}
