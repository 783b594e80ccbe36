// Package kafka is the native broker backend, built on franz-go.
//
// =============================================================================
// MAPPING THE BACKEND CONTRACT ONTO KAFKA
// =============================================================================
//
//	contract                    kafka
//	────────                    ─────
//	partition 1..n              partition 0..n-1 (ManualPartitioner, index-1)
//	read committed only         FetchIsolationLevel(ReadCommitted)
//	group assignment            broker group protocol (cooperative-sticky)
//	Send+SendOffsets+Commit     GroupTransactSession: polled offsets are
//	                            committed by End(TryCommit) in the same txn
//	EndOffsets                  last stable offset (kadm ListCommittedOffsets)
//
// Control records are kept in fetches so a consumer's position moves past
// transaction markers; they are never handed to the caller. Without them a
// consumer that read everything would still sit one offset behind the last
// stable offset.
//
// A transactional consumer (ConsumerConfig.TransactionalID set) owns the
// GroupTransactSession. A producer created with that consumer bound shares
// the session, which is how Kafka ties produced records to consumed offsets.
//
// =============================================================================
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"messagebus/internal/backend"
	"messagebus/internal/partition"
	"messagebus/pkg/messaging"
)

// Config configures a Backend.
type Config struct {
	Brokers  []string
	ClientID string

	// ReplicationFactor for topics created through CreateTopic. -1 lets
	// the broker decide.
	ReplicationFactor int16

	// TransactionTimeout bounds how long a producer transaction may stay
	// open before the broker aborts it.
	TransactionTimeout time.Duration

	// TLS, when set, encrypts every broker connection.
	TLS *tls.Config

	Logger *slog.Logger
}

// Backend is the Kafka backend.
type Backend struct {
	cfg    Config
	logger *slog.Logger
	admin  *kgo.Client
	adm    *kadm.Client

	mu     sync.Mutex
	topics map[string]messaging.TopicInfo
	closed bool
}

var _ backend.Backend = (*Backend)(nil)

// Open connects the admin client. Consumers and producers get their own
// clients.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "messagebus"
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = -1
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Backend{
		cfg:    cfg,
		logger: logger.With("component", "kafka-backend"),
		topics: make(map[string]messaging.TopicInfo),
	}
	admin, err := kgo.NewClient(b.baseOpts()...)
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}
	if err := admin.Ping(ctx); err != nil {
		admin.Close()
		return nil, classify("connect", err)
	}
	b.admin = admin
	b.adm = kadm.NewClient(admin)
	return b, nil
}

func (b *Backend) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.cfg.ClientID),
		kgo.WithLogger(newLogger(b.logger)),
	}
	if b.cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(b.cfg.TLS.Clone()))
	}
	return opts
}

// classify tags Kafka failures. Retriable broker errors and network errors
// are Intermittent; a fenced producer is Fatal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, kerr.ProducerFenced) || errors.Is(err, kerr.InvalidProducerEpoch) {
		return messaging.Fatal(op, fmt.Errorf("%w: %v", backend.ErrFenced, err))
	}
	if errors.Is(err, kgo.ErrClientClosed) {
		return messaging.Intermittent(op, fmt.Errorf("%w: %v", backend.ErrClosed, err))
	}
	var netErr net.Error
	if kerr.IsRetriable(err) || errors.As(err, &netErr) {
		return messaging.Intermittent(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// toKafkaPartition converts a 1-based partition to Kafka's 0-based index.
func toKafkaPartition(p int) int32 { return int32(p - 1) }

// fromKafkaPartition converts Kafka's 0-based index to a 1-based partition.
func fromKafkaPartition(p int32) int { return int(p) + 1 }

func fromKafkaPartitions(ps []int32) []int {
	out := make([]int, len(ps))
	for i, p := range ps {
		out[i] = fromKafkaPartition(p)
	}
	sort.Ints(out)
	return out
}

// =============================================================================
// TOPICS AND OFFSETS
// =============================================================================

// Topics implements backend.Backend. Internal topics are left out.
func (b *Backend) Topics(ctx context.Context) (map[string]messaging.TopicInfo, error) {
	details, err := b.adm.ListTopics(ctx)
	if err != nil {
		return nil, classify("list topics", err)
	}

	var names []string
	out := make(map[string]messaging.TopicInfo, len(details))
	for name, d := range details {
		if d.IsInternal || d.Err != nil {
			continue
		}
		out[name] = messaging.TopicInfo{Name: name, Partitions: len(d.Partitions)}
		names = append(names, name)
	}
	if len(names) == 0 {
		return out, nil
	}

	configs, err := b.adm.DescribeTopicConfigs(ctx, names...)
	if err != nil {
		return nil, classify("describe topics", err)
	}
	for _, rc := range configs {
		if rc.Err != nil {
			continue
		}
		for _, c := range rc.Configs {
			if c.Key == "cleanup.policy" && c.Value != nil && strings.Contains(*c.Value, "compact") {
				info := out[rc.Name]
				info.Compacted = true
				out[rc.Name] = info
			}
		}
	}

	b.mu.Lock()
	for name, info := range out {
		b.topics[name] = info
	}
	b.mu.Unlock()
	return out, nil
}

// topic returns the cached info of name, listing topics once on a miss.
func (b *Backend) topic(ctx context.Context, name string) (messaging.TopicInfo, error) {
	b.mu.Lock()
	info, ok := b.topics[name]
	b.mu.Unlock()
	if ok {
		return info, nil
	}
	topics, err := b.Topics(ctx)
	if err != nil {
		return info, err
	}
	info, ok = topics[name]
	if !ok {
		return info, fmt.Errorf("%w: %s", partition.ErrUnknownTopic, name)
	}
	return info, nil
}

// CreateTopic implements backend.Backend.
func (b *Backend) CreateTopic(ctx context.Context, info messaging.TopicInfo) error {
	if info.Name == "" || info.Partitions <= 0 {
		return fmt.Errorf("create topic %q: need a name and a positive partition count", info.Name)
	}
	configs := topicConfigs(info)
	resps, err := b.adm.CreateTopics(ctx, int32(info.Partitions), b.cfg.ReplicationFactor, configs, info.Name)
	if err != nil {
		return classify("create topic", err)
	}
	if resp, ok := resps[info.Name]; ok && resp.Err != nil {
		if !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return classify("create topic", resp.Err)
		}
		existing, err := b.topic(ctx, info.Name)
		if err != nil {
			return err
		}
		if existing.Partitions != info.Partitions {
			return fmt.Errorf("create topic %s: exists with %d partitions", info.Name, existing.Partitions)
		}
		return nil
	}

	b.mu.Lock()
	b.topics[info.Name] = info
	b.mu.Unlock()
	b.logger.Info("topic created", "topic", info.Name, "partitions", info.Partitions, "compacted", info.Compacted)
	return nil
}

func topicConfigs(info messaging.TopicInfo) map[string]*string {
	if !info.Compacted {
		return nil
	}
	policy := "compact"
	return map[string]*string{"cleanup.policy": &policy}
}

// CommittedOffsets implements backend.Backend.
func (b *Backend) CommittedOffsets(ctx context.Context, group string) (map[string]map[int]int64, error) {
	resps, err := b.adm.FetchOffsets(ctx, group)
	if err != nil {
		return nil, classify("fetch offsets", err)
	}
	out := make(map[string]map[int]int64)
	for topic, partitions := range resps {
		for p, o := range partitions {
			if o.Err != nil || o.At < 0 {
				continue
			}
			if out[topic] == nil {
				out[topic] = make(map[int]int64)
			}
			out[topic][fromKafkaPartition(p)] = o.At
		}
	}
	return out, nil
}

// startOffsets resolves where a consumer begins on each partition: the
// group's committed offset, else the log start or the last stable offset.
func (b *Backend) startOffsets(ctx context.Context, group, topic string, partitions []int, start backend.StartPosition) (map[int]int64, error) {
	out := make(map[int]int64, len(partitions))
	var missing []int

	if group != "" {
		committed, err := b.CommittedOffsets(ctx, group)
		if err != nil {
			return nil, err
		}
		for _, p := range partitions {
			if off, ok := committed[topic][p]; ok {
				out[p] = off
			} else {
				missing = append(missing, p)
			}
		}
	} else {
		missing = partitions
	}
	if len(missing) == 0 {
		return out, nil
	}

	var (
		listed kadm.ListedOffsets
		err    error
	)
	if start == backend.StartLatest {
		listed, err = b.adm.ListCommittedOffsets(ctx, topic)
	} else {
		listed, err = b.adm.ListStartOffsets(ctx, topic)
	}
	if err != nil {
		return nil, classify("list offsets", err)
	}
	for _, p := range missing {
		lo, ok := listed.Lookup(topic, toKafkaPartition(p))
		if !ok {
			return nil, fmt.Errorf("list offsets: no offset for %s/%d", topic, p)
		}
		if lo.Err != nil {
			return nil, classify("list offsets", lo.Err)
		}
		out[p] = lo.Offset
	}
	return out, nil
}

// endOffsets returns the last stable offset of each partition.
func (b *Backend) endOffsets(ctx context.Context, topic string, partitions []int) (map[int]int64, error) {
	listed, err := b.adm.ListCommittedOffsets(ctx, topic)
	if err != nil {
		return nil, classify("list end offsets", err)
	}
	out := make(map[int]int64, len(partitions))
	for _, p := range partitions {
		lo, ok := listed.Lookup(topic, toKafkaPartition(p))
		if !ok {
			continue
		}
		if lo.Err != nil {
			return nil, classify("list end offsets", lo.Err)
		}
		out[p] = lo.Offset
	}
	return out, nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.admin.Close()
	return nil
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// =============================================================================
// LOGGING
// =============================================================================

// kgoLogger routes franz-go's logs into slog. Debug-level client chatter is
// only emitted when the slog handler has debug enabled.
type kgoLogger struct {
	logger *slog.Logger
}

func newLogger(logger *slog.Logger) kgo.Logger {
	return &kgoLogger{logger: logger.With("client", "franz-go")}
}

func (l *kgoLogger) Level() kgo.LogLevel {
	ctx := context.Background()
	switch {
	case l.logger.Enabled(ctx, slog.LevelDebug):
		return kgo.LogLevelDebug
	case l.logger.Enabled(ctx, slog.LevelInfo):
		return kgo.LogLevelInfo
	case l.logger.Enabled(ctx, slog.LevelWarn):
		return kgo.LogLevelWarn
	default:
		return kgo.LogLevelError
	}
}

func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	l.logger.Log(context.Background(), slogLevel(level), msg, keyvals...)
}

func slogLevel(level kgo.LogLevel) slog.Level {
	switch level {
	case kgo.LogLevelError:
		return slog.LevelError
	case kgo.LogLevelWarn:
		return slog.LevelWarn
	case kgo.LogLevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
