/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package node wires a server.State and one client.State per configured
// upstream into a single cooperative event loop: one poller multiplexing
// every socket with a single select(2) call, no goroutines and no
// locking. Requests go out on a fixed poll interval; whichever sources
// have produced a usable, loop-free sample get compared and the best one
// becomes this node's advertised reference.
package node

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ntp5node/ntp5node/ntp5/client"
	"github.com/ntp5node/ntp5node/ntp5/clock"
	"github.com/ntp5node/ntp5node/ntp5/server"
	"github.com/ntp5node/ntp5node/protocol/ntp5"
)

// selectionDelayMin/Max bound the poll cycles a source is skipped for
// after a sync loop or self-reference is detected on it, matching the
// jittered back-off of the reference node this design follows.
const (
	selectionDelayMin = 1
	selectionDelayMax = 4
)

// Config holds node-wide tunables that apply across every upstream
// source and the local responder.
type Config struct {
	Port           int
	PollExponent   int8 // poll interval is 2^PollExponent seconds
	RefIDFragments int
	DispersionRate float64
	MaxDistance    float64
	Version        uint8 // 0 = auto per source
	Interleaved    bool
	// NoRefID suppresses the NTPv4 reference ID loop check: selectSources
	// normally excludes a v4 source whose reference ID, read as a dotted-
	// quad, names one of this node's own bound-source addresses. It is
	// also passed through to the server's own Bloom-filter identity bits.
	NoRefID        bool
	LocalReference bool
	DSCP           int
	Timescale      ntp5.Timescale
}

type source struct {
	name   string
	addr   *net.UDPAddr
	conn   *net.UDPConn
	fd     int
	client *client.State
	delay  int
}

// Node is the top-level poller and source selector. It is not safe for
// concurrent use; Run (or repeated calls to ProcessEvents) drives it from
// a single goroutine.
type Node struct {
	cfg Config
	clk clock.Reader

	sources  []*source
	srv      *server.State
	srvConn  *net.UDPConn
	srvFd    int
	nextPoll time.Time

	ownAddrs map[string]bool
}

// New resolves every server address, opens a connected UDP socket per
// upstream and one shared listening socket for the responder, and returns
// a Node ready to run.
func New(cfg Config, servers []string, clk clock.Reader) (*Node, error) {
	n := &Node{
		cfg:      cfg,
		clk:      clk,
		ownAddrs: make(map[string]bool),
	}

	for _, s := range servers {
		src, err := n.dialSource(s, cfg)
		if err != nil {
			n.Close()
			return nil, err
		}
		n.sources = append(n.sources, src)
	}

	srvConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("listening on port %d: %w", cfg.Port, err)
	}
	srvFd, err := client.ConnFd(srvConn)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.srvConn = srvConn
	n.srvFd = srvFd
	n.srv = server.New(clk, server.Config{
		LocalReference: cfg.LocalReference,
		DispersionRate: cfg.DispersionRate,
		Precision:      clock.DefaultPrecision,
		MaxTimestamps:  server.DefaultMaxTimestamps,
		NoRefID:        cfg.NoRefID,
	})

	n.nextPoll = time.Now()
	return n, nil
}

func (n *Node) dialSource(addr string, cfg Config) (*source, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "123"
	}
	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}

	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	fd, err := client.ConnFd(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		n.ownAddrs[local.IP.String()] = true
		if cfg.DSCP != 0 {
			if err := client.EnableDSCP(conn, local.IP, cfg.DSCP); err != nil {
				log.Warnf("ntp5 node: enabling DSCP for %s: %v", addr, err)
			}
		}
	}

	cs := client.New(conn, n.clk, client.Config{
		Address:        raddr,
		Version:        cfg.Version,
		Interleaved:    cfg.Interleaved,
		Timescale:      cfg.Timescale,
		DispersionRate: cfg.DispersionRate,
		RefIDFragments: cfg.RefIDFragments,
		MaxDistance:    cfg.MaxDistance,
	})

	return &source{name: addr, addr: raddr, conn: conn, fd: fd, client: cs}, nil
}

// Close releases every socket the node owns.
func (n *Node) Close() {
	for _, s := range n.sources {
		if s.conn != nil {
			s.conn.Close()
		}
	}
	if n.srvConn != nil {
		n.srvConn.Close()
	}
}

// ProcessEvents waits for at most one poll interval (or returns
// immediately if wait is false), services any socket that became
// readable, and — once the current poll interval has elapsed — runs
// source selection and sends the next round of requests. It is meant to
// be called in a tight loop from Run.
func (n *Node) ProcessEvents(wait bool) error {
	timeout := time.Duration(0)
	if wait {
		timeout = time.Until(n.nextPoll)
		if timeout < 0 {
			timeout = 0
		}
	}

	var readfds unix.FdSet
	maxFd := n.srvFd
	fdSet(&readfds, n.srvFd)
	for _, s := range n.sources {
		fdSet(&readfds, s.fd)
		if s.fd > maxFd {
			maxFd = s.fd
		}
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	nReady, err := unix.Select(maxFd+1, &readfds, nil, nil, &tv)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("select: %w", err)
	}

	if nReady > 0 {
		if fdIsSet(&readfds, n.srvFd) {
			if err := n.srv.ReceiveRequest(n.srvConn); err != nil {
				log.Debugf("ntp5 node: server request: %v", err)
			}
		}
		for _, s := range n.sources {
			if fdIsSet(&readfds, s.fd) {
				if err := s.client.ReceiveResponse(); err != nil {
					log.Debugf("ntp5 node: response from %s: %v", s.name, err)
				}
			}
		}
	}

	if !time.Now().Before(n.nextPoll) {
		n.selectSources()
		for _, s := range n.sources {
			if err := s.client.SendRequest(); err != nil {
				log.Warnf("ntp5 node: sending request to %s: %v", s.name, err)
			}
		}
		n.nextPoll = time.Now().Add(time.Duration(1) << uint(n.cfg.PollExponent) * time.Second)
	}

	return nil
}

// Run drives ProcessEvents in a loop and returns only when ProcessEvents
// returns an error; it takes no context and has no other way to stop.
// Callers that need graceful shutdown should instead call ProcessEvents
// directly from their own loop.
func (n *Node) Run() error {
	for {
		if err := n.ProcessEvents(true); err != nil {
			return err
		}
	}
}

// selectSources scores every source's most recent sample, rejects ones
// that are too noisy, synced through this node already, or are this node
// itself, and advertises the best remaining one as this node's reference.
func (n *Node) selectSources() {
	type candidate struct {
		src    *source
		sample *client.Sample
	}

	var included []candidate

	for _, s := range n.sources {
		sample := s.client.Sample
		s.client.Sample = nil

		if s.delay > 0 {
			s.delay--
		}

		if sample == nil {
			continue
		}

		distance := sample.RootDelay/2 + sample.RootDisp
		if distance > n.cfg.MaxDistance {
			continue
		}

		refIDs, complete := s.client.ReferenceIDs()
		if s.client.Version() == 5 && !complete {
			continue
		}

		loopMatch := refIDs.Intersects(n.srv.OwnReferenceIDs())

		selfMatch := false
		if !n.cfg.NoRefID {
			if refID, ok := s.client.ReferenceID(); ok {
				selfMatch = n.ownAddrs[uint32ToIPv4(refID).String()]
			}
		}

		if selfMatch || loopMatch {
			s.delay = selectionDelayMin + rand.Intn(selectionDelayMax)
			log.Warnf("ntp5 node: sync loop or self-reference detected via %s, backing off %d polls", s.name, s.delay)
			continue
		}

		// Only excluded here, after every other check, so a source whose
		// back-off expires this round is still eligible immediately.
		if s.delay > 0 {
			continue
		}

		included = append(included, candidate{s, sample})
	}

	if len(included) == 0 {
		return
	}

	sort.Slice(included, func(i, j int) bool {
		return distanceKey(included[i].sample) < distanceKey(included[j].sample)
	})

	var selectedIDs ntp5.ReferenceIDSet
	for _, c := range included {
		ids, _ := c.src.client.ReferenceIDs()
		selectedIDs.Or(ids)
	}

	winner := included[0]
	n.srv.SetReference(
		winner.sample.Stratum+1,
		ipv4ToUint32(winner.src.addr.IP),
		&selectedIDs,
		n.clk.Now(clock.DefaultPrecision),
		winner.sample.RootDelay,
		winner.sample.RootDisp,
	)
}

func distanceKey(s *client.Sample) float64 {
	return s.RootDelay/2 + s.RootDisp + 0.001*float64(s.Stratum)
}

func ipv4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// uint32ToIPv4 is the inverse of ipv4ToUint32, used to interpret an NTPv4
// reference ID as a dotted-quad address for the self-reference check.
func uint32ToIPv4(v uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return net.IP(b)
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << uint(fd%64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<uint(fd%64)) != 0
}
