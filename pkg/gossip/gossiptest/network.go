// Package gossiptest contains an in-memory message fabric for testing
// gossip nodes without a real transport.
package gossiptest

import (
	"context"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alannza/agave/pkg/gossip"
)

// Network is an in-memory fabric connecting gossip nodes by their
// advertised addresses. Delivery is asynchronous and may drop messages
// when configured with a drop rate, mimicking a lossy datagram transport.
type Network struct {
	nodes map[string]*endpoint

	dropRate float64
	rng      *rand.Rand

	// mu protects the above fields.
	mu sync.Mutex

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

type endpoint struct {
	gossip *gossip.Gossip
	inbox  chan []byte
}

type Option func(*Network)

// WithDropRate drops the given fraction of messages.
func WithDropRate(rate float64) Option {
	return func(n *Network) {
		n.dropRate = rate
	}
}

// WithSeed seeds the loss randomness for reproducible runs.
func WithSeed(seed int64) Option {
	return func(n *Network) {
		n.rng = rand.New(rand.NewSource(seed))
	}
}

func NewNetwork(opts ...Option) *Network {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	n := &Network{
		nodes:  make(map[string]*endpoint),
		rng:    rand.New(rand.NewSource(1)),
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Transport returns the transport for the node at the given address. The
// transport is usable immediately; Register attaches the node's inbound
// handler once the node exists.
func (n *Network) Transport(addr string) gossip.Transport {
	return &transport{network: n, addr: addr}
}

// Register attaches the node to the fabric and starts delivering its
// inbound messages.
func (n *Network) Register(addr string, g *gossip.Gossip) {
	ep := &endpoint{
		gossip: g,
		inbox:  make(chan []byte, 1024),
	}

	n.mu.Lock()
	n.nodes[addr] = ep
	n.mu.Unlock()

	n.group.Go(func() error {
		for {
			select {
			case b := <-ep.inbox:
				// Delivery errors are the node's problem, not the fabric's.
				_ = ep.gossip.HandleMessage(b)
			case <-n.ctx.Done():
				return nil
			}
		}
	})
}

// Close stops delivery and waits for the delivery workers to exit.
func (n *Network) Close() error {
	n.cancel()
	return n.group.Wait()
}

func (n *Network) send(addr string, b []byte) {
	n.mu.Lock()
	if n.dropRate > 0 && n.rng.Float64() < n.dropRate {
		n.mu.Unlock()
		return
	}
	ep, ok := n.nodes[addr]
	n.mu.Unlock()

	if !ok {
		return
	}

	buf := make([]byte, len(b))
	copy(buf, b)

	select {
	case ep.inbox <- buf:
	default:
		// A full inbox is message loss, which gossip tolerates.
	}
}

type transport struct {
	network *Network
	addr    string
}

func (t *transport) Send(addr string, b []byte) error {
	t.network.send(addr, b)
	return nil
}

var _ gossip.Transport = &transport{}
