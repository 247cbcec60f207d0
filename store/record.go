package store

import (
	"encoding/json"
	"fmt"

	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/queue"
)

// record is the on-disk/on-bucket shape of one queued entry, shared by
// FileStore and BoltStore. Envelope and Metadata are both plain,
// exported-field structs (message.Envelope, queue.Metadata), so
// encoding/json round-trips them without custom (Un)MarshalJSON methods,
// unlike slimta's DiskStorage which pickles the Python Envelope object
// directly (original_source/slimta/queue/disk.py).
type record struct {
	Env  *message.Envelope `json:"env"`
	Meta queue.Metadata     `json:"meta"`
}

func encodeRecord(env *message.Envelope, meta queue.Metadata) ([]byte, error) {
	b, err := json.Marshal(record{Env: env, Meta: meta})
	if err != nil {
		return nil, fmt.Errorf("store: marshaling record: %w", err)
	}
	return b, nil
}

func decodeRecord(b []byte) (*message.Envelope, queue.Metadata, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, queue.Metadata{}, fmt.Errorf("store: unmarshaling record: %w", err)
	}
	return r.Env, r.Meta, nil
}

func encodeMeta(meta queue.Metadata) ([]byte, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling metadata: %w", err)
	}
	return b, nil
}

func decodeMeta(b []byte) (queue.Metadata, error) {
	var m queue.Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return queue.Metadata{}, fmt.Errorf("store: unmarshaling metadata: %w", err)
	}
	return m, nil
}
