package notifier

import (
	"errors"
	"fmt"
)

// ErrMarkerConflict is returned by a compare-and-set marker commit when the stored marker
// no longer matches the value read at fetch time.
var ErrMarkerConflict = errors.New("marker changed since fetch")

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ConfigError indicates a missing credential or a malformed handle for a platform.
type ConfigError struct {
	Platform Platform
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s configuration: %s", e.Platform, e.Reason)
}

// FetchError indicates a transport failure, timeout or non-success status from an upstream API.
type FetchError struct {
	Err        error
	Platform   Platform
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch %s: HTTP %d", e.Platform, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s fetch %s: %v", e.Platform, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError indicates an upstream payload that could not be decoded into a post.
type ParseError struct {
	Err      error
	Platform Platform
	Field    string
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s parse: missing %s", e.Platform, e.Field)
	}
	return fmt.Sprintf("%s parse %s: %v", e.Platform, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ChannelError records a failed delivery attempt on one channel.
type ChannelError struct {
	Err     error
	Channel string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s channel: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsFetchError reports whether err is a FetchError or ParseError, both of which mean "no update this cycle".
func IsFetchError(err error) bool {
	var fe *FetchError
	var pe *ParseError
	return errors.As(err, &fe) || errors.As(err, &pe)
}

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
