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

// Package client implements the per-source NTP client state machine: it
// builds and sends poll requests and validates and scores the responses,
// for both NTPv4 and NTPv5 peers, including the interleaved (two-round-
// trip) timestamping mode of each.
package client

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ntp5node/ntp5node/ntp5/clock"
	"github.com/ntp5node/ntp5node/protocol/ntp5"
)

// autoVersionDowngradeThreshold is how many consecutive missed responses
// an auto-versioned client tolerates at v5 before falling back to v4.
const autoVersionDowngradeThreshold = 8

// interleavedMissThreshold caps how many responses may be missed in a row
// before a source stops attempting interleaved mode for a poll.
const interleavedMissThreshold = 4

// defaultPrecision is the precision, 2^-20s, passed to the clock when this
// client timestamps its requests and responses.
const defaultPrecision = -20

// Config holds the fixed, per-source parameters of a client state machine.
type Config struct {
	// Address is the resolved remote address to exchange datagrams with.
	Address *net.UDPAddr
	// Version is the NTP version to speak: 4 or 5. 0 means auto-detect,
	// starting at 4 and upgrading to 5 once a v4 peer advertises NTP5DRFT
	// support, then falling back to 4 again after repeated misses at 5.
	Version uint8
	// Interleaved requests the peer use interleaved (two-round-trip)
	// timestamping when possible.
	Interleaved bool
	// Timescale is the NTPv5 timescale this client expects from the peer;
	// responses on any other timescale are rejected.
	Timescale ntp5.Timescale
	// DispersionRate is the assumed growth in dispersion per second of
	// round-trip delay, used to estimate sample quality.
	DispersionRate float64
	// RefIDFragments is how many polls a full reference-ID Bloom filter
	// download is split across.
	RefIDFragments int
	// MaxDistance is the largest acceptable root distance (delay/2 +
	// dispersion) for a sample. ReceiveResponse does not check it; its own
	// limit is a fixed 16 seconds, and package node applies its own
	// MaxDistance during source selection.
	MaxDistance float64
}

// Sample is a single validated measurement taken from a response.
type Sample struct {
	Offset     float64 // seconds, peer clock minus local clock
	Delay      float64 // seconds, round-trip delay
	Dispersion float64 // seconds, local dispersion estimate for this sample
	RootDelay  float64 // seconds, delay plus the peer's advertised root delay
	RootDisp   float64 // seconds, dispersion plus the peer's advertised root dispersion
	Stratum    uint8
}

// State is one source's client state machine. It is not safe for
// concurrent use; the node's single-threaded event loop owns it.
type State struct {
	cfg  Config
	conn *net.UDPConn
	clk  clock.Reader

	version     uint8
	autoVersion bool

	missedResponses int

	lastRequest, prevRequest   *ntp5.Message
	prevResponse               *ntp5.Message
	lastTransmitTS, prevTransmitTS uint64
	prevReceiveTS              uint64

	refIDs ntp5.RefIDFragmenter

	referenceID     uint32
	haveReferenceID bool

	// Sample is the most recently validated measurement, or nil if the
	// last poll produced nothing usable. The node reads and clears this
	// once per selection round.
	Sample *Sample
}

// New creates a client state machine bound to conn, which must already be
// connected to cfg.Address.
func New(conn *net.UDPConn, clk clock.Reader, cfg Config) *State {
	s := &State{
		cfg:  cfg,
		conn: conn,
		clk:  clk,
	}
	if cfg.Version == 0 {
		s.autoVersion = true
		s.version = 4
	} else {
		s.version = cfg.Version
	}
	return s
}

// LocalAddr returns the local address of the underlying connection, used
// by the node for IPv4-dotted-quad sync-loop self-detection.
func (s *State) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// interleaving reports whether the next outgoing request should attempt
// interleaved mode: only once a prior response of the same version has
// been seen recently.
func (s *State) interleaving() bool {
	return s.cfg.Interleaved &&
		s.prevResponse != nil &&
		s.prevResponse.Version == s.version &&
		s.missedResponses <= interleavedMissThreshold
}

// makeRequest builds the next outgoing poll message for the current
// version.
func (s *State) makeRequest() *ntp5.Message {
	interleaved := s.interleaving()

	m := &ntp5.Message{Mode: ntp5.ModeClient, Version: s.version}

	switch s.version {
	case 5:
		if s.cfg.Interleaved {
			m.Flags |= ntp5.Flag5Interleaved
		}
		if interleaved {
			m.ServerCookie = s.prevResponse.ServerCookie
		}
		m.ClientCookie = rand.Uint64()

		serverInfo := uint16(0)
		m.Ext.ServerInfo = &serverInfo

		fragmentBytes := ntp5.ReferenceIDsOctets / s.cfg.RefIDFragments
		offset, length := s.refIDs.NextFragment(fragmentBytes)
		m.Ext.ReferenceIDsReq = &ntp5.ReferenceIDsReq{Offset: offset, Length: length}

		referenceTS := uint64(0)
		m.Ext.ReferenceTS = &referenceTS

		m.Timescale = s.cfg.Timescale
		m.Ext.SecondaryRxTS = map[ntp5.Timescale]ntp5.SecondaryRxSlot{
			s.cfg.Timescale: {},
		}

		draftID := ntp5.OurDraftID
		m.Ext.DraftID = &draftID

	case 4:
		m.ReferenceID = 0
		m.OriginTS = 0
		if s.autoVersion {
			m.ReferenceTS = ntp5.NTP5DraftMagic()
		}
		m.TransmitTS = rand.Uint64()
		if interleaved {
			m.OriginTS = s.prevResponse.ReceiveTS
			m.ReceiveTS = rand.Uint64()
		}
	}

	return m
}

// SendRequest advances the state machine's poll cycle and transmits a
// request. It must be called once per poll interval, whether or not the
// previous response ever arrived.
func (s *State) SendRequest() error {
	s.missedResponses++
	if s.autoVersion && s.version == 5 && s.missedResponses > autoVersionDowngradeThreshold {
		log.Debugf("ntp5 client %s: downgrading to NTPv4 after %d missed responses", s.cfg.Address, s.missedResponses)
		s.version = 4
	}

	s.prevRequest = s.lastRequest
	s.lastRequest = s.makeRequest()

	s.prevTransmitTS = s.lastTransmitTS
	s.lastTransmitTS = s.clk.Now(defaultPrecision)

	buf, err := ntp5.Encode(s.lastRequest, 0)
	if err != nil {
		return fmt.Errorf("encoding request to %s: %w", s.cfg.Address, err)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return fmt.Errorf("%w: %v", ntp5.ErrTransientIO, err)
	}
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ntp5.ErrTransientIO, err)
	}
	return nil
}

// ReceiveResponse reads and validates one datagram from the connection. On
// success s.Sample is populated. Protocol-level rejections (bogus framing,
// unsynchronized peer, wrong timescale) are returned as one of the
// sentinel errors in package ntp5 and are expected to be logged and
// ignored by the caller, not treated as fatal.
func (s *State) ReceiveResponse() error {
	buf := make([]byte, 1472)
	n, err := s.conn.Read(buf)
	receiveTS := s.clk.Now(defaultPrecision)
	if err != nil {
		return fmt.Errorf("%w: %v", ntp5.ErrTransientIO, err)
	}

	resp, err := ntp5.Decode(buf[:n])
	if err != nil {
		return err
	}

	if s.missedResponses == 0 || resp.Mode != ntp5.ModeServer || s.lastRequest == nil {
		return ntp5.ErrBogusResponse
	}

	interleaved := false
	switch resp.Version {
	case 5:
		if resp.ClientCookie != s.lastRequest.ClientCookie {
			return ntp5.ErrBogusResponse
		}
		interleaved = resp.Flags&ntp5.Flag5Interleaved != 0
	case 4:
		switch resp.OriginTS {
		case s.lastRequest.ReceiveTS:
			interleaved = true
		case s.lastRequest.TransmitTS:
			interleaved = false
		default:
			return ntp5.ErrBogusResponse
		}
		// v4 has no reference-ID Bloom filter; any fragments accumulated
		// from a previous v5 session no longer apply.
		s.refIDs.Reset()
	default:
		return ntp5.ErrBogusResponse
	}

	unsynchronized := false
	if resp.Version == 5 {
		unsynchronized = resp.Flags&ntp5.Flag5Synchronized == 0
	} else {
		unsynchronized = resp.Leap4 == ntp5.Leap4Unsynchronized
	}
	if unsynchronized || resp.Stratum == 0 || resp.RootDelay/2+resp.RootDisp > 16 {
		return ntp5.ErrUnsynchronizedResponse
	}

	if resp.Timescale != s.cfg.Timescale {
		return ntp5.ErrUnsupportedTimescale
	}

	if resp.Version == 5 {
		if resp.Ext.ReferenceIDsResp != nil && s.lastRequest.Ext.ReferenceIDsReq != nil {
			s.refIDs.MergeFragment(s.lastRequest.Ext.ReferenceIDsReq.Offset, resp.Ext.ReferenceIDsResp)
		} else {
			s.refIDs.Reset()
		}
	}

	var t1, t2, t3, t4 uint64
	if interleaved && s.prevResponse != nil && s.prevTransmitTS != 0 {
		t1 = s.prevTransmitTS
		t2 = s.prevResponse.ReceiveTS
		t3 = resp.TransmitTS
		t4 = s.prevReceiveTS
	} else {
		t1 = s.lastTransmitTS
		t2 = resp.ReceiveTS
		t3 = resp.TransmitTS
		t4 = receiveTS
	}

	offset := 0.5 * (wrapDiff(t2, t1) + wrapDiff(t3, t4)) / 4294967296.0
	delay := absInt64(wrapDiff(t4, t1)-wrapDiff(t3, t2)) / 4294967296.0

	s.Sample = &Sample{
		Offset:     offset,
		Delay:      delay,
		Dispersion: delay * s.cfg.DispersionRate,
		RootDelay:  delay + resp.RootDelay,
		RootDisp:   delay*s.cfg.DispersionRate + resp.RootDisp,
		Stratum:    resp.Stratum,
	}

	s.referenceID = resp.ReferenceID
	s.haveReferenceID = resp.Version == 4

	s.prevResponse = resp
	s.prevReceiveTS = receiveTS
	s.missedResponses = 0

	if s.autoVersion && s.version == 4 && resp.ReferenceTS == ntp5.NTP5DraftMagic() {
		log.Debugf("ntp5 client %s: peer advertises NTPv5 support, upgrading", s.cfg.Address)
		s.version = 5
	}

	return nil
}

// ReferenceIDs returns the reference-ID Bloom filter fragments accumulated
// so far from this source, and whether a full cycle has completed.
func (s *State) ReferenceIDs() (*ntp5.ReferenceIDSet, bool) {
	return s.refIDs.Set(), s.refIDs.Complete()
}

// Version reports the NTP version currently in use for this source (after
// any auto-detect upgrade/downgrade).
func (s *State) Version() uint8 {
	return s.version
}

// ReferenceID returns the NTPv4 reference ID carried by the most recently
// validated response, and whether one is available: NTPv5 responses carry
// no such field, so ok is false unless the last validated response was a
// v4 peer.
func (s *State) ReferenceID() (uint32, bool) {
	return s.referenceID, s.haveReferenceID
}

// wrapDiff computes a-b as a signed 64-bit difference of two 64-bit NTP
// timestamps, correctly handling the wraparound arithmetic of two
// unsigned values whose true difference fits in the signed range.
func wrapDiff(a, b uint64) float64 {
	return float64(int64(a - b))
}

func absInt64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
