package source

import (
	"bytes"
	"context"
	"encoding/xml"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"orbit-notifier/pkg/notifier"
)

const (
	defaultVideoFeedBaseURL = "https://www.youtube.com"
	videoLinkBase           = "https://youtube.com/watch?v="
	videoIDPrefix           = "yt:video:"
)

var channelIDPattern = regexp.MustCompile(`^UC[0-9A-Za-z_-]{22}$`)

// VideoFeed reads the public Atom feed of a video channel.
type VideoFeed struct {
	get     *getter
	baseURL string
}

// NewVideoFeed creates a video feed adapter.
func NewVideoFeed(opts Options, client *http.Client, logger *slog.Logger) *VideoFeed {
	opts = opts.withDefaults(defaultVideoFeedBaseURL)
	return &VideoFeed{
		get:     newGetter(client, logger, notifier.VideoFeed, opts),
		baseURL: opts.BaseURL,
	}
}

// Platform implements Adapter.
func (*VideoFeed) Platform() notifier.Platform { return notifier.VideoFeed }

// ValidateChannelID reports whether handle is a well-formed channel id.
func ValidateChannelID(handle string) error {
	id := cleanHandle(handle)
	if !channelIDPattern.MatchString(id) {
		return &notifier.ConfigError{Platform: notifier.VideoFeed, Reason: "channel id must start with UC and be 24 characters"}
	}
	return nil
}

// Fetch implements Adapter.
func (v *VideoFeed) Fetch(ctx context.Context, item notifier.WatchlistItem) (*notifier.NormalizedPost, error) {
	if err := ValidateChannelID(item.Handle); err != nil {
		return nil, err
	}
	channelID := cleanHandle(item.Handle)

	body, err := v.get.get(ctx, v.baseURL+"/feeds/videos.xml?channel_id="+url.QueryEscape(channelID), nil)
	if err != nil {
		return nil, err
	}

	var feed atomFeed
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&feed); err != nil {
		return nil, &notifier.ParseError{Platform: notifier.VideoFeed, Field: "feed", Err: err}
	}
	if len(feed.Entries) == 0 {
		return nil, nil
	}

	entry := feed.Entries[0]
	id := strings.TrimSpace(entry.VideoID)
	if id == "" {
		id = strings.TrimPrefix(strings.TrimSpace(entry.ID), videoIDPrefix)
	}
	if id == "" {
		return nil, &notifier.ParseError{Platform: notifier.VideoFeed, Field: "videoId"}
	}

	name := strings.TrimSpace(feed.Author.Name)
	if name == "" {
		name = strings.TrimSpace(feed.Title)
	}
	if name == "" {
		name = channelID
	}

	return &notifier.NormalizedPost{
		SourceID:    id,
		Text:        strings.TrimSpace(entry.Title),
		Link:        videoLinkBase + id,
		DisplayName: name,
		Platform:    notifier.VideoFeed,
	}, nil
}

// atomFeed is the subset of a channel feed used here. Element names without a namespace
// match the Atom namespace as well as feeds that omit it.
type atomFeed struct {
	XMLName xml.Name `xml:"feed"`
	Title   string   `xml:"title"`
	Author  struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Entries []struct {
		ID      string `xml:"id"`
		VideoID string `xml:"http://www.youtube.com/xml/schemas/2015 videoId"`
		Title   string `xml:"title"`
	} `xml:"entry"`
}
