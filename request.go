package syncstore

import "context"

// Resource names one remote sub-resource kind of a record.
type Resource string

const (
	ResourceRecord     Resource = "record"
	ResourceMetrics    Resource = "metrics"
	ResourceUpdates    Resource = "updates"
	ResourceMilestones Resource = "milestones"
	ResourceGallery    Resource = "gallery"
	ResourceEvidence   Resource = "evidence"
)

// Vars are the variables a Resolver may expand. ID and Action are empty for
// collection-level URLs.
type Vars struct {
	Key    string
	ID     string
	Action string
}

// Resolver maps a cache key and resource kind to a remote URL.
type Resolver interface {
	Resolve(r Resource, v Vars) (string, error)
}

// Request is one logical call against the remote API. Body is sent as-is and
// must be replayable, so it is held as bytes rather than a reader.
type Request struct {
	Method      string
	URL         string
	ContentType string
	Body        []byte
}

// Response is a successful (2xx) outcome of Transport.Do.
type Response struct {
	Status    int
	NoContent bool
	// JSON reports that Body was declared as JSON; otherwise Body is text.
	JSON bool
	Body []byte
}

// Text returns the body verbatim.
func (r Response) Text() string { return string(r.Body) }

// Transport performs one authenticated logical request.
// Non-2xx outcomes are returned as errors (*RemoteError, *SessionExpiredError,
// *NetworkError).
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}
