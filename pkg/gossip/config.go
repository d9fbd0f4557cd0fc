package gossip

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-sockaddr"
	"github.com/spf13/pflag"
)

type Config struct {
	// AdvertiseAddr is the address advertised in the local contact-info
	// record. This is the address other nodes will use to gossip with the
	// node. If the host is omitted (such as ':8003') the node's private IP
	// is used.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`

	// PushInterval is the rate new records are batched and relayed to the
	// active peer set.
	PushInterval time.Duration `json:"push_interval" yaml:"push_interval"`

	// PullInterval is the rate reconciliation rounds are initiated.
	PullInterval time.Duration `json:"pull_interval" yaml:"pull_interval"`

	// PurgeInterval is the rate expired records are removed from the table.
	PurgeInterval time.Duration `json:"purge_interval" yaml:"purge_interval"`

	// PruneInterval is the rate redundancy counters are evaluated.
	PruneInterval time.Duration `json:"prune_interval" yaml:"prune_interval"`

	// RotateInterval is the rate the active push set is reshuffled.
	RotateInterval time.Duration `json:"rotate_interval" yaml:"rotate_interval"`

	// HeartbeatInterval is the rate the local health record is refreshed.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// PushFanout caps the size of the active push set.
	PushFanout int `json:"push_fanout" yaml:"push_fanout"`

	// PullFanout is the number of peers asked per reconciliation round.
	PullFanout int `json:"pull_fanout" yaml:"pull_fanout"`

	// MaxMessageSize is the maximum size of any assembled message.
	MaxMessageSize int `json:"max_message_size" yaml:"max_message_size"`

	// RetentionHorizon is how long a record is stored after it was last
	// received. The local node's own records never expire.
	RetentionHorizon time.Duration `json:"retention_horizon" yaml:"retention_horizon"`

	// LivenessWindow is how recently a peer's contact-info or health record
	// must have been received for the peer to count as live.
	LivenessWindow time.Duration `json:"liveness_window" yaml:"liveness_window"`

	// PullGraceWindow skips peers that answered a pull within the window.
	PullGraceWindow time.Duration `json:"pull_grace_window" yaml:"pull_grace_window"`

	// MaxTableEntries caps the table size. 0 disables the cap.
	MaxTableEntries int `json:"max_table_entries" yaml:"max_table_entries"`

	// ShardBits sets the number of shard buckets (2^bits) in the content
	// hash index.
	ShardBits uint32 `json:"shard_bits" yaml:"shard_bits"`

	// FalsePositiveRate is the target false-positive rate of pull filters.
	// Lowering the rate grows the request, shrinking response overshoot.
	FalsePositiveRate float64 `json:"false_positive_rate" yaml:"false_positive_rate"`

	// MaxFilterItems caps the records summarized per pull filter; larger
	// tables are sharded over more filters.
	MaxFilterItems int `json:"max_filter_items" yaml:"max_filter_items"`

	// MaxBloomBits caps the bit size of a single pull filter.
	MaxBloomBits uint64 `json:"max_bloom_bits" yaml:"max_bloom_bits"`

	// PruneThreshold is the number of redundant receipts per (peer, origin)
	// within the prune window that triggers a prune.
	PruneThreshold int `json:"prune_threshold" yaml:"prune_threshold"`

	// PruneWindow is the sliding window for redundancy accounting.
	PruneWindow time.Duration `json:"prune_window" yaml:"prune_window"`
}

func DefaultConfig() *Config {
	return &Config{
		PushInterval:      time.Millisecond * 200,
		PullInterval:      time.Second,
		PurgeInterval:     time.Second * 15,
		PruneInterval:     time.Millisecond * 500,
		RotateInterval:    time.Second * 10,
		HeartbeatInterval: time.Second,
		PushFanout:        6,
		PullFanout:        3,
		MaxMessageSize:    1400,
		RetentionHorizon:  time.Minute,
		LivenessWindow:    time.Second * 30,
		PullGraceWindow:   time.Second * 5,
		MaxTableEntries:   100000,
		ShardBits:         8,
		FalsePositiveRate: 0.001,
		MaxFilterItems:    512,
		MaxBloomBits:      8192,
		PruneThreshold:    3,
		PruneWindow:       time.Second * 30,
	}
}

func (c *Config) Validate() error {
	if c.AdvertiseAddr == "" {
		return fmt.Errorf("missing advertise addr")
	}
	// Every tick interval feeds a ticker and the jitter arithmetic, both of
	// which require at least a millisecond.
	intervals := []struct {
		name string
		d    time.Duration
	}{
		{"push interval", c.PushInterval},
		{"pull interval", c.PullInterval},
		{"purge interval", c.PurgeInterval},
		{"prune interval", c.PruneInterval},
		{"rotate interval", c.RotateInterval},
		{"heartbeat interval", c.HeartbeatInterval},
	}
	for _, interval := range intervals {
		if interval.d < time.Millisecond {
			return fmt.Errorf("%s must be at least 1ms", interval.name)
		}
	}
	if c.PushFanout == 0 {
		return fmt.Errorf("missing push fanout")
	}
	if c.PullFanout == 0 {
		return fmt.Errorf("missing pull fanout")
	}
	if c.MaxMessageSize == 0 {
		return fmt.Errorf("missing max message size")
	}
	if c.RetentionHorizon == 0 {
		return fmt.Errorf("missing retention horizon")
	}
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		return fmt.Errorf("false positive rate must be in (0, 1)")
	}
	if c.MaxFilterItems == 0 {
		return fmt.Errorf("missing max filter items")
	}
	if c.PruneThreshold == 0 {
		return fmt.Errorf("missing prune threshold")
	}
	if c.PruneWindow == 0 {
		return fmt.Errorf("missing prune window")
	}
	if c.ShardBits > 16 {
		return fmt.Errorf("shard bits too large: %d", c.ShardBits)
	}
	return nil
}

// ResolveAdvertiseAddr returns the advertise address with the host filled
// in. If the configured address has no host the node's private IP is used,
// such as ':8003' may resolve to '10.26.104.14:8003'.
func (c *Config) ResolveAdvertiseAddr() (string, error) {
	host, port, err := net.SplitHostPort(c.AdvertiseAddr)
	if err != nil {
		return "", fmt.Errorf("invalid advertise addr: %s: %w", c.AdvertiseAddr, err)
	}
	if host != "" {
		return c.AdvertiseAddr, nil
	}

	ip, err := sockaddr.GetPrivateIP()
	if err != nil {
		return "", fmt.Errorf("get private ip: %w", err)
	}
	if ip == "" {
		return "", fmt.Errorf("no private ip found for advertise addr")
	}
	return ip + ":" + port, nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + ".gossip."

	fs.StringVar(
		&c.AdvertiseAddr,
		prefix+"advertise-addr",
		c.AdvertiseAddr,
		`
Address to advertise in the local contact-info record. This is the address
other nodes will use to gossip with the node.

If the host is omitted (such as ':8003') the node's private IP will be used,
such as an advertise address of '10.26.104.14:8003'.`,
	)

	fs.DurationVar(
		&c.PushInterval,
		prefix+"push-interval",
		c.PushInterval,
		`
The interval to batch and relay newly stored records to the active peer set.`,
	)

	fs.DurationVar(
		&c.PullInterval,
		prefix+"pull-interval",
		c.PullInterval,
		`
The interval to initiate reconciliation rounds.

Each round summarizes the local table in compact filters and asks a few
peers for the records the filters do not cover.`,
	)

	fs.IntVar(
		&c.PushFanout,
		prefix+"push-fanout",
		c.PushFanout,
		`
The maximum number of peers in the active push set. Bounds the outbound
bandwidth per new record regardless of cluster size.`,
	)

	fs.IntVar(
		&c.PullFanout,
		prefix+"pull-fanout",
		c.PullFanout,
		`
The number of peers asked per reconciliation round.`,
	)

	fs.IntVar(
		&c.MaxMessageSize,
		prefix+"max-message-size",
		c.MaxMessageSize,
		`
The maximum size of any assembled message.

Depending on your networks MTU you may be able to increase to include more
records in each message.`,
	)

	fs.DurationVar(
		&c.RetentionHorizon,
		prefix+"retention-horizon",
		c.RetentionHorizon,
		`
How long a record is stored after it was last received. The local node's own
records never expire locally.`,
	)

	fs.Float64Var(
		&c.FalsePositiveRate,
		prefix+"false-positive-rate",
		c.FalsePositiveRate,
		`
Target false-positive rate for pull filters.

A lower rate grows the pull request but reduces redundant records in the
response.`,
	)

	fs.IntVar(
		&c.PruneThreshold,
		prefix+"prune-threshold",
		c.PruneThreshold,
		`
The number of redundant receipts from a peer for one origin, within the
prune window, that triggers a prune of that edge.`,
	)

	fs.DurationVar(
		&c.PruneWindow,
		prefix+"prune-window",
		c.PruneWindow,
		`
The sliding window for redundancy accounting.`,
	)
}
