package state

import (
	"context"
	"encoding/json"
)

// KV is one actor's private key/value namespace. Exactly one actor ever
// writes a given namespace, so implementations only need to make PutMany
// atomic, not cross-namespace transactions.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	PutMany(ctx context.Context, entries map[string][]byte) error
	Delete(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
}

// Store hands out per-actor namespaces keyed by actor kind and id.
type Store interface {
	Namespace(kind, id string) KV
}

func GetJSON(ctx context.Context, kv KV, key string, out any) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func PutJSON(ctx context.Context, kv KV, key string, in any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return kv.Put(ctx, key, raw)
}
