package gateway

// CredentialStore is the thin contract the control plane uses to persist
// and recover device credentials. Implementations must be atomic with
// respect to a process crash (write-temp-rename or equivalent): a
// clear-then-crash must read back as "not registered", a store-then-crash
// as "registered with that token". internal/credstore.Store is the
// default file-backed implementation.
type CredentialStore interface {
	// Store persists id and token, replacing any prior record.
	Store(id, token string) error

	// Clear removes any persisted record.
	Clear() error

	// Load recovers a previously stored id/token pair, if any. It returns
	// empty strings with a nil error when no record exists. Load is not
	// part of the distilled spec's two named operations but is required to
	// implement the warm-start scenario (§8 Scenario 2): without it the
	// gateway has no way to learn that a token already exists before the
	// first READY edge.
	Load() (id, token string, err error)
}
