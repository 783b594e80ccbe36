package messaging

import (
	"time"
)

// State is the lifecycle state of a subscription.
//
//	STOPPED ──start──► CONNECTING ──► POLLING ⇄ PROCESSING
//	   ▲                   ▲                 │
//	   │                   └── intermittent ─┤
//	   └──────────── stop / fatal ───────────┘
type State int

const (
	StateStopped State = iota
	StateConnecting
	StatePolling
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Subscription is the lifecycle handle every processor variant returns.
type Subscription interface {
	Start()
	Stop()
	State() State
	Name() string
}

// SubscriptionConfig is the recognized configuration surface of a
// subscription.
type SubscriptionConfig struct {
	// GroupName is the consumer group. Empty means no group (read every
	// partition, nothing committed), which only compacted subscriptions use.
	GroupName string `yaml:"group"`

	// EventTopic is the topic consumed.
	EventTopic string `yaml:"event-topic"`

	// InstanceID makes the producer transactional. Required for
	// effectively-once output.
	InstanceID string `yaml:"instance-id,omitempty"`

	PollTimeout time.Duration `yaml:"poll-timeout"`
	BatchSize   int           `yaml:"batch-size"`

	// PollAndProcessRetries is how many failed polls are retried in place
	// before the consumer reconnects. Zero is a real setting (reconnect on
	// the first failure), so WithDefaults keeps it and only replaces a
	// negative value. A config built as a struct literal therefore starts
	// at zero; start from DefaultSubscriptionConfig to get 3.
	PollAndProcessRetries int           `yaml:"poll-and-process-retries"`
	ThreadStopTimeout     time.Duration `yaml:"thread-stop-timeout"`
	SubscribeRetries      int           `yaml:"subscribe-retries"`
	CommitRetries         int           `yaml:"commit-retries"`

	// DeadLetterTopic receives undecodable records. When empty they are
	// skipped and their offset committed.
	DeadLetterTopic string `yaml:"dead-letter-topic,omitempty"`

	// StateTopic is the compacted state topic of a state-and-event
	// subscription. Must be co-partitioned with EventTopic.
	StateTopic string `yaml:"state-topic,omitempty"`

	// ReplyTopic is where RPC responses go when a request carries no
	// reply.topic header.
	ReplyTopic string `yaml:"reply-topic,omitempty"`
}

// DefaultSubscriptionConfig returns a config with production defaults.
func DefaultSubscriptionConfig(group, topic string) SubscriptionConfig {
	return SubscriptionConfig{
		GroupName:             group,
		EventTopic:            topic,
		PollTimeout:           500 * time.Millisecond,
		BatchSize:             100,
		PollAndProcessRetries: 3,
		ThreadStopTimeout:     10 * time.Second,
		SubscribeRetries:      3,
		CommitRetries:         3,
	}
}

// WithDefaults fills zero values from DefaultSubscriptionConfig.
// PollAndProcessRetries is the exception: zero is kept, negative is filled.
func (c SubscriptionConfig) WithDefaults() SubscriptionConfig {
	d := DefaultSubscriptionConfig(c.GroupName, c.EventTopic)
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollAndProcessRetries < 0 {
		c.PollAndProcessRetries = d.PollAndProcessRetries
	}
	if c.ThreadStopTimeout <= 0 {
		c.ThreadStopTimeout = d.ThreadStopTimeout
	}
	if c.SubscribeRetries <= 0 {
		c.SubscribeRetries = d.SubscribeRetries
	}
	if c.CommitRetries <= 0 {
		c.CommitRetries = d.CommitRetries
	}
	return c
}

// Transactional reports whether the subscription produces under a
// transaction.
func (c SubscriptionConfig) Transactional() bool {
	return c.InstanceID != ""
}

// Name is the identity used in logs and metrics.
func (c SubscriptionConfig) Name() string {
	if c.GroupName == "" {
		return c.EventTopic
	}
	return c.GroupName + "/" + c.EventTopic
}
