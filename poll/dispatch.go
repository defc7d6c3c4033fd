package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"orbit-notifier/pkg/notifier"
)

const (
	defaultChannelTimeout = 15 * time.Second
	previewRunes          = 25
)

// ProfileStore resolves a subscriber's delivery addresses.
type ProfileStore interface {
	ContactInfo(ctx context.Context, userID string) (notifier.Contact, error)
}

// Channel delivers one notification to one address.
type Channel interface {
	Send(ctx context.Context, to, displayName string, platform notifier.Platform, body string) notifier.Result
}

// Delivery describes the notification attempts made for one update.
type Delivery struct {
	Errors    []*notifier.ChannelError
	Line      string
	Attempted int
	Succeeded int
}

// AllFailed reports whether at least one channel was attempted and none succeeded.
func (d Delivery) AllFailed() bool {
	return d.Attempted > 0 && d.Succeeded == 0
}

// Dispatcher fans one update out to the configured channels of its subscriber.
type Dispatcher struct {
	profiles  ProfileStore
	email     Channel // nil when not configured
	messaging Channel // nil when not configured
	logger    *slog.Logger
	observe   func(channel string, ok bool)
	timeout   time.Duration
}

// NewDispatcher creates a dispatcher. Either channel may be nil.
func NewDispatcher(profiles ProfileStore, email, messaging Channel, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultChannelTimeout
	}
	return &Dispatcher{
		profiles:  profiles,
		email:     email,
		messaging: messaging,
		timeout:   timeout,
		logger:    logger,
	}
}

// EmailBody is the plain-text body sent on the email channel.
func EmailBody(post notifier.NormalizedPost) string {
	return post.Text + "\n\nLink: " + post.Link
}

// MessagingBody is the short body sent on the messaging channel.
func MessagingBody(name string, post notifier.NormalizedPost) string {
	return fmt.Sprintf("Orbit: New %s post from %s!\n%s", post.Platform.Label(), name, post.Link)
}

// Dispatch resolves the subscriber's contact and attempts every channel it has an address for.
// An error is returned only when the contact could not be resolved, in which case nothing was attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, upd notifier.PendingUpdate) (Delivery, error) {
	contact, err := d.profiles.ContactInfo(ctx, upd.Item.UserID)
	if err != nil {
		return Delivery{}, fmt.Errorf("contact info for user %s: %w", upd.Item.UserID, err)
	}

	name := upd.Name()
	var line strings.Builder
	fmt.Fprintf(&line, "✅ %s: %q", name, preview(upd.Post.Text))

	var del Delivery
	if contact.Email != "" && d.email != nil {
		d.attempt(ctx, &del, &line, "Email", d.email, contact.Email, upd, EmailBody(upd.Post))
	}
	if contact.Phone != "" && d.messaging != nil {
		d.attempt(ctx, &del, &line, "WhatsApp", d.messaging, contact.Phone, upd, MessagingBody(name, upd.Post))
	}

	if del.Attempted == 0 {
		del.Line = fmt.Sprintf("ℹ️ %s: new post but no delivery channel on file", name)
		return del, nil
	}
	del.Line = line.String()
	return del, nil
}

func (d *Dispatcher) attempt(ctx context.Context, del *Delivery, line *strings.Builder, label string, ch Channel, to string, upd notifier.PendingUpdate, body string) {
	del.Attempted++
	res := d.send(ctx, label, ch, to, upd, body)
	if d.observe != nil {
		d.observe(label, res.Success)
	}
	if res.Success {
		del.Succeeded++
		line.WriteString(" → " + label)
		return
	}
	cerr := &notifier.ChannelError{Channel: label, Err: errors.New(res.Error)}
	del.Errors = append(del.Errors, cerr)
	line.WriteString(" → ✗ " + label)
	d.logger.Warn("Notification delivery failed",
		"channel", label,
		"item_id", upd.Item.ID,
		"user_id", upd.Item.UserID,
		"error", res.Error)
}

// send runs one channel call under its own timeout. A panic inside the channel is reported as a failure.
func (d *Dispatcher) send(ctx context.Context, label string, ch Channel, to string, upd notifier.PendingUpdate, body string) (res notifier.Result) {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res = notifier.Result{Error: fmt.Sprintf("panic in %s channel: %v", label, r)}
		}
	}()

	res = ch.Send(sendCtx, to, upd.Name(), upd.Post.Platform, body)
	if !res.Success && res.Error == "" {
		res.Error = "unknown error"
	}
	return res
}

// preview returns the first runes of text followed by an ellipsis.
func preview(text string) string {
	if utf8.RuneCountInString(text) > previewRunes {
		text = string([]rune(text)[:previewRunes])
	}
	return text + "..."
}
