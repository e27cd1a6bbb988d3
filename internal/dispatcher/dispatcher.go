// Package dispatcher implements inter-manager placement: given a node
// name, start from the local manager if it hosts that node type, query
// every peer in parallel, and move to a peer only if its load is
// strictly lower. Placement is advisory: there is no distributed lock, so
// two near-simultaneous dispatches can land on the same host and simply
// queue there.
package dispatcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gammazero/workerpool"
	"github.com/gridforge/gridforge/internal/apierrors"
	"github.com/gridforge/gridforge/internal/managerclient"
	"github.com/gridforge/gridforge/internal/metrics"
)

// PeerProbeTimeout bounds each has_node/load call to a peer; an
// unreachable peer costs at most this long.
const PeerProbeTimeout = time.Second

// candidate is a host address paired with its observed load.
type candidate struct {
	address string
	load    float64
}

// Dispatcher resolves which host should run a new job of a given node
// type.
type Dispatcher struct {
	// SelfAddress identifies this host for placement results that land
	// locally.
	SelfAddress string
	// HostsLocally reports whether this manager's own node registry
	// serves nodeName.
	HostsLocally func(nodeName string) bool
	// LocalLoad returns this host's own current ResourcePool load.
	LocalLoad func() float64
	// Peers is the configured peer address list.
	Peers []string
	// NewPeerClient builds a managerclient.Client for a peer address;
	// overridable in tests.
	NewPeerClient func(address string) *managerclient.Client
}

// New builds a Dispatcher whose NewPeerClient builds a managerclient.New
// client with PeerProbeTimeout; tests may replace that field.
func New(selfAddress string, hostsLocally func(string) bool, localLoad func() float64, peers []string) *Dispatcher {
	return &Dispatcher{
		SelfAddress:  selfAddress,
		HostsLocally: hostsLocally,
		LocalLoad:    localLoad,
		Peers:        peers,
		NewPeerClient: func(address string) *managerclient.Client {
			if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
				address = "http://" + address
			}
			c := managerclient.New(address)
			c.HTTP.Timeout = PeerProbeTimeout
			return c
		},
	}
}

// GetHost seeds with the local host if it hosts nodeName, then queries
// every peer in parallel for has_node/load, and adopts a peer only if
// its load is strictly lower than the current best. Unreachable peers
// are silently skipped. Fails apierrors.ErrNoHostForNode if nobody
// hosts nodeName.
func (d *Dispatcher) GetHost(ctx context.Context, nodeName string) (string, error) {
	var best *candidate
	if d.HostsLocally(nodeName) {
		best = &candidate{address: d.SelfAddress, load: d.LocalLoad()}
	}

	if len(d.Peers) > 0 {
		results := make([]*candidate, len(d.Peers))
		var wg sync.WaitGroup
		pool := workerpool.New(5)

		for i, peer := range d.Peers {
			i, peer := i, peer
			wg.Add(1)
			pool.Submit(func() {
				defer wg.Done()
				c, err := d.probe(ctx, peer, nodeName)
				if err != nil {
					logging.Log.WithField("peer", peer).WithField("node", nodeName).
						WithError(err).Debug("peer probe failed, skipping")
					return
				}
				results[i] = c
			})
		}
		wg.Wait()
		pool.StopWait()

		for _, c := range results {
			if c == nil {
				continue
			}
			if best == nil || c.load < best.load {
				best = c
			}
		}
	}

	if best == nil {
		metrics.DispatcherPlacements.WithLabelValues(nodeName, "no_host").Inc()
		return "", apierrors.Wrap(apierrors.KindNoHostForNode, "no host serves this node type", nodeName)
	}

	outcome := "peer"
	if best.address == d.SelfAddress {
		outcome = "local"
	}
	metrics.DispatcherPlacements.WithLabelValues(nodeName, outcome).Inc()
	return best.address, nil
}

func (d *Dispatcher) probe(ctx context.Context, peer, nodeName string) (*candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, PeerProbeTimeout)
	defer cancel()

	client := d.NewPeerClient(peer)
	has, err := client.HasNode(ctx, nodeName)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}

	load, err := client.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &candidate{address: peer, load: load}, nil
}
