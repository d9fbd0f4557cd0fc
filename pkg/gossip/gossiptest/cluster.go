package gossiptest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/alannza/agave/pkg/gossip"
	"github.com/alannza/agave/pkg/log"
)

// AcceptAllVerifier treats every record as already verified, standing in
// for the external signing collaborator.
type AcceptAllVerifier struct {
}

func (AcceptAllVerifier) Verify(_ *gossip.Record) bool {
	return true
}

// StaticStakes is a fixed stake table. Unknown nodes weigh 0.
type StaticStakes map[string]uint64

func (s StaticStakes) StakeWeight(nodeID string) uint64 {
	return s[nodeID]
}

// Cluster runs a set of gossip nodes connected over an in-memory network.
type Cluster struct {
	Network *Network

	IDs   []string
	Nodes []*gossip.Gossip

	Stakes StaticStakes
}

// NewCluster creates count nodes with uniform stake, registered on the
// network but not yet aware of each other; call SeedAll or seed an
// entrypoint to connect them.
func NewCluster(
	t *testing.T,
	count int,
	config *gossip.Config,
	opts ...Option,
) *Cluster {
	t.Helper()

	network := NewNetwork(opts...)
	cluster := &Cluster{
		Network: network,
		Stakes:  make(StaticStakes),
	}

	for i := 0; i != count; i++ {
		nodeID := uuid.NewString()
		addr := fmt.Sprintf("%s.gossip.test:%d", nodeID[:8], 8000+i)

		nodeConfig := *config
		nodeConfig.AdvertiseAddr = addr

		node, err := gossip.New(
			nodeID,
			&nodeConfig,
			network.Transport(addr),
			AcceptAllVerifier{},
			cluster.Stakes,
			gossip.NewNopWatcher(),
			log.NewNopLogger(),
		)
		require.NoError(t, err)

		network.Register(addr, node)

		cluster.IDs = append(cluster.IDs, nodeID)
		cluster.Nodes = append(cluster.Nodes, node)
		cluster.Stakes[nodeID] = 100
	}

	t.Cleanup(func() {
		cluster.Close()
	})

	return cluster
}

// SeedAll gives every node every other node's contact record.
func (c *Cluster) SeedAll() {
	var contacts []*gossip.Record
	for i, node := range c.Nodes {
		record, ok := node.Get(gossip.Key{
			Origin: c.IDs[i],
			Label:  gossip.Label{Kind: gossip.LabelContactInfo},
		})
		if !ok {
			continue
		}
		contacts = append(contacts, record)
	}

	for _, node := range c.Nodes {
		node.Seed(contacts)
	}
}

// SeedEntrypoint gives every node only the first node's contact record, so
// the rest of the cluster must be discovered via gossip.
func (c *Cluster) SeedEntrypoint() {
	entry, ok := c.Nodes[0].Get(gossip.Key{
		Origin: c.IDs[0],
		Label:  gossip.Label{Kind: gossip.LabelContactInfo},
	})
	if !ok {
		return
	}
	for _, node := range c.Nodes[1:] {
		node.Seed([]*gossip.Record{entry})
	}
}

// Converged reports whether every node stores the same record for the key.
func (c *Cluster) Converged(key gossip.Key) bool {
	var hash uint64
	for i, node := range c.Nodes {
		record, ok := node.Get(key)
		if !ok {
			return false
		}
		if i == 0 {
			hash = record.Hash()
			continue
		}
		if record.Hash() != hash {
			return false
		}
	}
	return true
}

func (c *Cluster) Close() {
	for _, node := range c.Nodes {
		_ = node.Close()
	}
	_ = c.Network.Close()
}
