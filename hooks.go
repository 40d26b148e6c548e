package syncstore

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The store and transport call them on hot paths.
type Hooks interface {
	// A caller asked for a key that was already being fetched.
	FetchDeduplicated(key string)

	// A fetch failed; the previous entry (if any) was left untouched.
	FetchFailed(key string, err error)

	// A fetch result was discarded because the key's generation moved
	// (invalidation or write) while the request was in flight.
	StaleWriteDropped(key string)

	// A stored entry was deleted on read.
	// reason ∈ {"corrupt", "stale_gen", "value_decode"}
	SelfHealEntry(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// GenStore errors. op ∈ {"snapshot", "bump"}
	GenError(op, storageKey string, err error)

	// A delete hit a resource that no longer exists and was counted as done.
	DeleteTreatedAsSuccess(key, collection, id string)

	// The access credential was replaced after a refresh.
	CredentialsRefreshed()

	// The credential set was cleared or was never usable.
	SessionExpired(reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) FetchDeduplicated(string)                      {}
func (NopHooks) FetchFailed(string, error)                     {}
func (NopHooks) StaleWriteDropped(string)                      {}
func (NopHooks) SelfHealEntry(string, string)                  {}
func (NopHooks) ProviderSetRejected(string)                    {}
func (NopHooks) GenError(string, string, error)                {}
func (NopHooks) DeleteTreatedAsSuccess(string, string, string) {}
func (NopHooks) CredentialsRefreshed()                         {}
func (NopHooks) SessionExpired(string)                         {}
