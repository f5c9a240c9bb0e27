package store

// KV is the narrow key-value surface the bridge needs for local persistence.
// The session store keeps a single key per chat instance; the offline queue
// relies on Scan returning keys in ascending byte order.
type KV interface {
	// Get returns the value for key, or ok=false if the key is absent.
	Get(key []byte) (value []byte, ok bool, err error)

	// Set durably stores value under key.
	Set(key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Scan calls fn for each key with the given prefix, in ascending key
	// order. Returning false from fn stops the scan early.
	Scan(prefix []byte, fn func(key, value []byte) (bool, error)) error
}
