package messaging

import (
	"encoding/json"
	"fmt"
)

// Codec converts between a typed key/value and its wire bytes.
//
// Processors are parameterized by their key and value types at compile time;
// the codec is the only place bytes become values.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// Codecs pairs the key and value codec of a processor.
type Codecs[K any, V any] struct {
	Key   Codec[K]
	Value Codec[V]
}

// JSONCodec encodes values as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return v, nil
}

// StringCodec is the identity codec for string keys and values.
type StringCodec struct{}

func (StringCodec) Encode(v string) ([]byte, error) { return []byte(v), nil }
func (StringCodec) Decode(b []byte) (string, error) { return string(b), nil }

// BytesCodec passes bytes through untouched.
type BytesCodec struct{}

func (BytesCodec) Encode(v []byte) ([]byte, error) { return v, nil }
func (BytesCodec) Decode(b []byte) ([]byte, error) { return b, nil }

// NewRecord encodes a typed key and value into an outbound record.
func NewRecord[K any, V any](topic string, key K, value V, codecs Codecs[K, V]) (Record, error) {
	k, err := codecs.Key.Encode(key)
	if err != nil {
		return Record{}, fmt.Errorf("encode key for %s: %w", topic, err)
	}
	v, err := codecs.Value.Encode(value)
	if err != nil {
		return Record{}, fmt.Errorf("encode value for %s: %w", topic, err)
	}
	return Record{Topic: topic, Key: k, Value: v}, nil
}

// Tombstone builds a delete marker for key on a compacted topic.
func Tombstone[K any](topic string, key K, codec Codec[K]) (Record, error) {
	k, err := codec.Encode(key)
	if err != nil {
		return Record{}, fmt.Errorf("encode key for %s: %w", topic, err)
	}
	return Record{Topic: topic, Key: k}, nil
}

var (
	_ Codec[string] = StringCodec{}
	_ Codec[[]byte] = BytesCodec{}
	_ Codec[int]    = JSONCodec[int]{}
)
