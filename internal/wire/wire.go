// Package wire holds the serialization helpers shared by the sync payloads:
// deterministic JSON, a non-panicking parser and the integrity hashes.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/zeebo/xxh3"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/snapshot"
)

// FNVOffset32 is the FNV-1a 32-bit offset basis, which is also the hash of
// empty input.
const FNVOffset32 uint32 = 2166136261

// ErrUnsupported wraps values the deterministic encoder cannot represent, such
// as cyclic structures, channels, functions or NaN.
var ErrUnsupported = errors.New("wire: unsupported value")

// StableMarshal encodes v as JSON with object keys sorted at every depth and
// HTML escaping disabled, so equal values always produce identical bytes.
func StableMarshal(v any) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("stable marshal: normalize: %w", err)
	}
	return encode(generic)
}

// MustStableMarshal is StableMarshal for values that are known to be
// encodable. It panics otherwise.
func MustStableMarshal(v any) []byte {
	data, err := StableMarshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		var typeErr *json.UnsupportedTypeError
		var valueErr *json.UnsupportedValueError
		if errors.As(err, &typeErr) || errors.As(err, &valueErr) {
			return nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("stable marshal: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Parsed is the tagged outcome of SafeParse.
type Parsed[T any] struct {
	OK    bool
	Value T
	Err   error
}

// SafeParse decodes data into a T. It never panics; malformed input is reported
// through Err with OK=false so a single bad frame does not tear down a
// connection loop.
func SafeParse[T any](data []byte) (result Parsed[T]) {
	defer func() {
		if r := recover(); r != nil {
			result = Parsed[T]{Err: fmt.Errorf("safe parse: %v", r)}
		}
	}()
	if len(bytes.TrimSpace(data)) == 0 {
		return Parsed[T]{Err: errors.New("safe parse: empty input")}
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return Parsed[T]{Err: fmt.Errorf("safe parse: %w", err)}
	}
	return Parsed[T]{OK: true, Value: value}
}

// Hash32 returns the FNV-1a 32-bit hash of data.
func Hash32(data []byte) uint32 {
	h := fnv.New32a()
	h.Write(data)
	return h.Sum32()
}

// HashValue returns the FNV-1a 32-bit hash of the stable encoding of v.
func HashValue(v any) (uint32, error) {
	data, err := StableMarshal(v)
	if err != nil {
		return 0, err
	}
	return Hash32(data), nil
}

// Fingerprint returns the xxh3 digest of the stable encoding of a snapshot's
// entities. Tick, time and events are excluded so two snapshots holding the
// same world state share a fingerprint.
func Fingerprint(snap snapshot.Snapshot) (uint64, error) {
	entities := snap.Entities
	if entities == nil {
		entities = snapshot.Entities{}
	}
	data, err := StableMarshal(entities)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: %w", err)
	}
	return xxh3.Hash(data), nil
}
