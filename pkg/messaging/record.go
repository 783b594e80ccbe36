// =============================================================================
// RECORDS - THE UNIT OF DATA ON A TOPIC
// =============================================================================
//
// A Record is what producers write and consumers read. On the wire every
// backend carries the same shape:
//
//	{topic: string, key: bytes, value: bytes, headers?: map<string,string>}
//
// The key decides the partition (see internal/partition.Assign). All records
// that share a key on a topic land on the same partition, which is what gives
// per-key ordering.
//
// A nil Value is a tombstone. On compacted topics a tombstone removes the key
// from every snapshot that follows it.
//
// =============================================================================

package messaging

import (
	"time"
)

// Record is an outbound (or decoded-to-bytes) record.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// IsTombstone reports whether the record deletes its key.
func (r Record) IsTombstone() bool {
	return r.Value == nil
}

// Header returns a header value or "" if absent.
func (r Record) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[name]
}

// WithHeader returns a copy of r with the header set.
func (r Record) WithHeader(name, value string) Record {
	headers := make(map[string]string, len(r.Headers)+1)
	for k, v := range r.Headers {
		headers[k] = v
	}
	headers[name] = value
	r.Headers = headers
	return r
}

// ConsumedRecord is a record as read back from a partition.
//
// Partition is 1-based. Offset is the record's own position; the offset a
// consumer commits after processing it is Offset+1 (the next one to read).
type ConsumedRecord struct {
	Record
	Partition int
	Offset    int64
	Timestamp time.Time
}

// NextOffset is the offset to commit once this record has been processed.
func (r ConsumedRecord) NextOffset() int64 {
	return r.Offset + 1
}

// RecordMetadata is what a publish future resolves to.
type RecordMetadata struct {
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
}

// TopicInfo describes a topic as created by the admin collaborator.
// Partitions never changes after creation.
type TopicInfo struct {
	Name       string `json:"name" yaml:"name"`
	Partitions int    `json:"partitions" yaml:"partitions"`
	Compacted  bool   `json:"compacted" yaml:"compacted"`
}

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int
}

// CommittedOffsets folds a batch into the highest next-offset per partition.
// The result is what gets committed for the batch.
func CommittedOffsets(records []ConsumedRecord) map[TopicPartition]int64 {
	out := make(map[TopicPartition]int64)
	for _, r := range records {
		tp := TopicPartition{Topic: r.Topic, Partition: r.Partition}
		if next := r.NextOffset(); next > out[tp] {
			out[tp] = next
		}
	}
	return out
}

// Well-known headers used by the framework itself.
const (
	HeaderCorrelationID = "correlation.id"
	HeaderReplyTopic    = "reply.topic"
	HeaderRPCError      = "rpc.error"
	HeaderRPCErrorKind  = "rpc.error.kind"

	HeaderDeadLetterTopic     = "dlq.source.topic"
	HeaderDeadLetterPartition = "dlq.source.partition"
	HeaderDeadLetterOffset    = "dlq.source.offset"
	HeaderDeadLetterReason    = "dlq.reason"
)
