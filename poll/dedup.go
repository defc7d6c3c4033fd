package poll

import "orbit-notifier/pkg/notifier"

// IsNew reports whether post differs from the marker stored on item.
// Markers are compared as exact strings; an absent or empty marker makes any post new.
func IsNew(item notifier.WatchlistItem, post notifier.NormalizedPost) bool {
	return item.LastSeenID == nil || *item.LastSeenID == "" || *item.LastSeenID != post.SourceID
}
