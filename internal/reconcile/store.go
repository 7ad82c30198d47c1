package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/vkuzn/groupsyncd/internal/storage/kv"
)

// EntryStore keeps retry entries in a KV bucket, keyed by device ID.
// Entries are serialized to JSON so the persistent and in-memory buckets
// behave identically.
type EntryStore struct {
	bucket kv.Bucket
}

// NewEntryStore creates an entry store on top of a bucket.
func NewEntryStore(bucket kv.Bucket) *EntryStore {
	return &EntryStore{bucket: bucket}
}

// Get returns the active entry for a device, or nil if there is none.
func (s *EntryStore) Get(deviceID string) (*RetryEntry, error) {
	value, err := s.bucket.Get(deviceID)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	raw, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected entry type %T for device %s", value, deviceID)
	}

	var entry RetryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry for device %s: %w", deviceID, err)
	}
	return &entry, nil
}

// Put stores (or overwrites) the entry for a device.
func (s *EntryStore) Put(deviceID string, entry RetryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry for device %s: %w", deviceID, err)
	}
	return s.bucket.Store(deviceID, string(data))
}

// Delete removes the entry for a device.
func (s *EntryStore) Delete(deviceID string) error {
	_, err := s.bucket.Delete(deviceID)
	return err
}

// Clear removes all entries.
func (s *EntryStore) Clear() error {
	return s.bucket.Clear()
}
