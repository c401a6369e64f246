package routing

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/vaultmesh/vaultnode/internal/xaddr"
)

// NodeHandle is the concrete section/transport adapter: a libp2p host plus
// a gossipsub topic used for membership-change notifications, adapted from
// the teacher's core/network.go NewNode idiom (libp2p.New + NewGossipSub)
// and retargeted at the spec's "membership events carrying a departing
// node's identifier" interface instead of block/tx gossip.
type NodeHandle struct {
	log    *logrus.Logger
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic

	mu         sync.RWMutex
	self       xaddr.Address
	adults     []xaddr.Address
	elders     []xaddr.Address
	prefix     func(xaddr.Address) bool
	dataTopics map[string]*pubsub.Topic

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNodeHandle bootstraps a libp2p host and gossipsub instance, mirroring
// core/network.go's NewNode. Membership-change notifications are
// subscribed to separately, through JoinMembershipTopic.
func NewNodeHandle(log *logrus.Logger, listenAddr string, self xaddr.Address, prefixMatch func(xaddr.Address) bool) (*NodeHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, err
	}

	return &NodeHandle{
		log:    log,
		host:   h,
		pubsub: ps,
		self:   self,
		prefix: prefixMatch,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SetMembership updates the in-memory, section-querying snapshot this
// handle answers closeness queries against. The secure routing layer is
// responsible for keeping this current as peers join/leave; this package
// only ever reads it.
func (n *NodeHandle) SetMembership(adults, elders []xaddr.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.adults = append([]xaddr.Address(nil), adults...)
	n.elders = append([]xaddr.Address(nil), elders...)
}

func closestExcluding(target xaddr.Address, pool []xaddr.Address, k int, exclude xaddr.Set) []xaddr.Address {
	candidates := make([]xaddr.Address, 0, len(pool))
	for _, id := range pool {
		if exclude.Has(id) {
			continue
		}
		candidates = append(candidates, id)
	}
	xaddr.SortByDistance(target, candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

func (n *NodeHandle) OurAdultsSortedByDistanceTo(target xaddr.Address, k int, exclude xaddr.Set) []xaddr.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return closestExcluding(target, n.adults, k, exclude)
}

func (n *NodeHandle) OurEldersSortedByDistanceTo(target xaddr.Address, k int, exclude xaddr.Set) []xaddr.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return closestExcluding(target, n.elders, k, exclude)
}

func (n *NodeHandle) MatchesOurPrefix(addr xaddr.Address) bool {
	if n.prefix == nil {
		return false
	}
	return n.prefix(addr)
}

func (n *NodeHandle) Self() xaddr.Address { return n.self }

// JoinMembershipTopic subscribes to the gossipsub topic carrying
// MembershipEvent notifications and invokes onDeparture for each departed
// node id it observes. It mirrors core/network.go's Subscribe/topic idiom.
func (n *NodeHandle) JoinMembershipTopic(topicName string, onDeparture func(xaddr.Address)) error {
	topic, err := n.pubsub.Join(topicName)
	if err != nil {
		return err
	}
	n.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return err
	}

	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			if len(msg.Data) != xaddr.Size {
				n.log.WithField("peer", peer.ID(msg.ReceivedFrom).String()).Warn("malformed membership event, ignoring")
				continue
			}
			var departed xaddr.Address
			copy(departed[:], msg.Data)
			onDeparture(departed)
		}
	}()
	return nil
}

// JoinDataTopic subscribes to topicName and invokes onMessage with the raw
// bytes of every message received (including this node's own publishes,
// which callers are expected to tolerate since gossipsub does not guarantee
// self-filtering across all transports). Used by internal/engine to carry
// the dispatcher's inbound envelope traffic, as distinct from the
// fixed-width membership-event topic above.
func (n *NodeHandle) JoinDataTopic(topicName string, onMessage func(data []byte)) error {
	topic, err := n.pubsub.Join(topicName)
	if err != nil {
		return err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.dataTopics == nil {
		n.dataTopics = make(map[string]*pubsub.Topic)
	}
	n.dataTopics[topicName] = topic
	n.mu.Unlock()

	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			onMessage(msg.Data)
		}
	}()
	return nil
}

// PublishData publishes raw bytes to topicName, joining it first if this
// node hasn't already (so a node that only sends, and never handles
// inbound traffic itself, doesn't need a separate Join call).
func (n *NodeHandle) PublishData(topicName string, payload []byte) error {
	n.mu.RLock()
	topic := n.dataTopics[topicName]
	n.mu.RUnlock()
	if topic == nil {
		t, err := n.pubsub.Join(topicName)
		if err != nil {
			return err
		}
		n.mu.Lock()
		if n.dataTopics == nil {
			n.dataTopics = make(map[string]*pubsub.Topic)
		}
		n.dataTopics[topicName] = t
		n.mu.Unlock()
		topic = t
	}
	return topic.Publish(n.ctx, payload)
}

func (n *NodeHandle) Close() error {
	n.cancel()
	if n.topic != nil {
		_ = n.topic.Close()
	}
	for _, t := range n.dataTopics {
		_ = t.Close()
	}
	return n.host.Close()
}
