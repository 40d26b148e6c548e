package syncstore

import "time"

const (
	// DefaultFreshness is how long a fetched record is served without a network call.
	DefaultFreshness = 5 * time.Minute

	defaultRetention    = 24 * time.Hour
	defaultNamespace    = "projects"
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
