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

// Package server implements the NTP responder half of the node: it
// answers NTPv4 and NTPv5 client requests on a single shared UDP socket,
// advertising whatever reference this node currently has selected and
// revealing precise transmit timestamps to clients using interleaved mode.
package server

import (
	"fmt"
	"net"

	"github.com/ntp5node/ntp5node/ntp5/clock"
	"github.com/ntp5node/ntp5node/protocol/ntp5"
)

// ownReferenceIDBits is how many random bits of the reference-ID Bloom
// filter this node sets to mark itself, so a downstream sync loop back to
// this node can be detected by a peer one or more hops away.
const ownReferenceIDBits = 10

// DefaultMaxTimestamps bounds the interleaved-mode timestamp cache absent
// an explicit configuration.
const DefaultMaxTimestamps = 1000

// Config holds the fixed parameters of the server state machine.
type Config struct {
	// LocalReference seeds the server with a synthetic stratum-1
	// reference (127.127.0.1) at startup, before any client source has
	// produced a sample, so the node answers something other than
	// "unsynchronized" immediately.
	LocalReference bool
	// DispersionRate is the assumed dispersion growth per second since
	// the reference was last updated.
	DispersionRate float64
	// Precision is the clock precision this server advertises (log2
	// seconds, e.g. -20).
	Precision int8
	// MaxTimestamps bounds the interleaved-mode timestamp cache.
	MaxTimestamps int
	// NoRefID disables advertising this node's own identity bits in the
	// reference-ID Bloom filter. The node package also uses the same
	// operator flag to gate its separate NTPv4 dotted-quad self-reference
	// check.
	NoRefID bool
}

// State is the server's mutable reference state plus its interleaved-mode
// timestamp cache. It is not safe for concurrent use.
type State struct {
	cfg Config
	clk clock.Reader

	ownRefIDs *ntp5.ReferenceIDSet
	ts        *TimestampCache

	stratum      uint8
	leap4        ntp5.Leap4
	leap5        ntp5.Leap5
	flags        ntp5.Flag5
	referenceID  uint32
	referenceIDs ntp5.ReferenceIDSet
	referenceTS  uint64
	rootDelay    float64
	rootDisp     float64
}

// localReferenceID is 127.127.0.1, the conventional "local clock" refid.
const localReferenceID uint32 = 0x7f7f0001

// New creates a server state machine. If cfg.LocalReference is set it
// seeds a synthetic stratum-1 reference immediately.
func New(clk clock.Reader, cfg Config) *State {
	s := &State{
		cfg: cfg,
		clk: clk,
		ts:  NewTimestampCache(cfg.MaxTimestamps),
	}
	if !cfg.NoRefID {
		s.ownRefIDs = ntp5.NewRandomReferenceIDSet(ownReferenceIDBits)
	} else {
		s.ownRefIDs = &ntp5.ReferenceIDSet{}
	}
	s.referenceTS = clk.Now(cfg.Precision)
	if cfg.LocalReference {
		s.SetReference(1, localReferenceID, &ntp5.ReferenceIDSet{}, s.referenceTS, 0, 0)
	} else {
		s.SetReference(0, 0, &ntp5.ReferenceIDSet{}, s.referenceTS, 0, 0)
	}
	return s
}

// OwnReferenceIDs returns this node's own identity bits in the reference-ID
// Bloom filter, used by the node's sync-loop detector to test whether a
// candidate upstream source's advertised chain already passes through this
// node.
func (s *State) OwnReferenceIDs() *ntp5.ReferenceIDSet {
	return s.ownRefIDs
}

// SetReference updates the reference this node advertises to clients.
// This node's own identity bits are always folded into referenceIDs,
// regardless of what the caller passed in, so this node's presence is
// always discoverable downstream.
func (s *State) SetReference(stratum uint8, referenceID uint32, referenceIDs *ntp5.ReferenceIDSet, referenceTS uint64, rootDelay, rootDisp float64) {
	if stratum > 0 {
		s.leap4 = ntp5.Leap4Normal
		s.leap5 = ntp5.Leap5Normal
		s.flags |= ntp5.Flag5Synchronized
	} else {
		s.leap4 = ntp5.Leap4Unsynchronized
		s.leap5 = ntp5.Leap5Unknown
		s.flags &^= ntp5.Flag5Synchronized
	}
	s.stratum = stratum
	s.referenceID = referenceID
	s.referenceTS = referenceTS
	s.rootDelay = rootDelay
	s.rootDisp = rootDisp

	merged := *referenceIDs
	merged.Or(s.ownRefIDs)
	s.referenceIDs = merged
}

// ReceiveRequest reads and answers one datagram from conn, which must be a
// socket bound to receive from any client (not connected to one peer).
func (s *State) ReceiveRequest(conn *net.UDPConn) error {
	buf := make([]byte, 1472)
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ntp5.ErrTransientIO, err)
	}
	receiveTS := s.clk.Now(s.cfg.Precision)
	for s.ts.Has(receiveTS) {
		receiveTS++
	}

	req, err := ntp5.Decode(buf[:n])
	if err != nil {
		return err
	}
	if req.Mode != ntp5.ModeClient {
		return nil
	}

	preTransmitTS := s.clk.Now(s.cfg.Precision)
	for preTransmitTS == receiveTS {
		preTransmitTS = s.clk.Now(s.cfg.Precision)
	}

	resp := s.makeResponse(req, receiveTS, preTransmitTS)

	// The precise transmit timestamp, captured only after the response
	// above has already been built around the (necessarily approximate)
	// preTransmitTS: this is the value a future interleaved follow-up
	// will be handed, not the one baked into the current reply.
	transmitTS := s.clk.Now(s.cfg.Precision)

	message, err := ntp5.Encode(resp, n)
	if err != nil {
		return fmt.Errorf("encoding response to %s: %w", addr, err)
	}
	if len(message) > n {
		return fmt.Errorf("ntp5: encoded response (%d bytes) exceeds request length (%d)", len(message), n)
	}

	if _, err := conn.WriteToUDP(message, addr); err != nil {
		return fmt.Errorf("%w: %v", ntp5.ErrTransientIO, err)
	}

	s.ts.Save(receiveTS, transmitTS)
	return nil
}

// makeResponse builds the reply to req. transmitTS is the (approximate)
// time this response is about to be sent, baked into the packet body; it
// is distinct from the more precise timestamp the caller captures after
// sending and saves for a future interleaved exchange.
func (s *State) makeResponse(req *ntp5.Message, receiveTS, transmitTS uint64) *ntp5.Message {
	resp := &ntp5.Message{
		Version: req.Version,
		Mode:    ntp5.ModeServer,
		Stratum: s.stratum,
		Poll:    req.Poll,
	}

	dispersionGrowth := 0.0
	if s.stratum > 1 {
		dispersionGrowth = absFloat(wrapDiff(transmitTS, s.referenceTS)) / 4294967296.0 * s.cfg.DispersionRate
	}
	resp.RootDelay = s.rootDelay
	resp.RootDisp = s.rootDisp + dispersionGrowth

	switch req.Version {
	case 5:
		resp.Leap5 = s.leap5
		resp.Timescale = req.Timescale
		resp.Era = req.Era
		resp.Precision = s.cfg.Precision
		resp.Flags = s.flags
		resp.ClientCookie = req.ClientCookie
		resp.ReceiveTS = receiveTS
		resp.TransmitTS = transmitTS

		interleaved := req.Flags&ntp5.Flag5Interleaved != 0
		if interleaved {
			if saved, ok := s.ts.Pop(req.ServerCookie); ok && req.ServerCookie != 0 {
				resp.Flags |= ntp5.Flag5Interleaved
				resp.TransmitTS = saved
			}
			resp.ServerCookie = receiveTS
		}

		if req.Ext.ServerInfo != nil {
			info := uint16(1<<4 | 1<<5)
			resp.Ext.ServerInfo = &info
		}
		if req.Ext.ReferenceIDsReq != nil {
			slice := s.referenceIDs.Slice(int(req.Ext.ReferenceIDsReq.Offset), int(req.Ext.ReferenceIDsReq.Length))
			resp.Ext.ReferenceIDsResp = slice
		}
		if req.Ext.ReferenceTS != nil {
			ts := s.referenceTS
			resp.Ext.ReferenceTS = &ts
		}
		if req.Ext.SecondaryRxTS != nil {
			if _, wantUTC := req.Ext.SecondaryRxTS[ntp5.TimescaleUTC]; wantUTC {
				resp.Ext.SecondaryRxTS = map[ntp5.Timescale]ntp5.SecondaryRxSlot{
					ntp5.TimescaleUTC: {Era: req.Era, TS: receiveTS},
				}
			}
		}
		if req.Ext.DraftID != nil {
			id := ntp5.OurDraftID
			if len(id) > len(*req.Ext.DraftID) {
				id = id[:len(*req.Ext.DraftID)]
			}
			resp.Ext.DraftID = &id
		}

	case 4:
		resp.Leap4 = s.leap4
		resp.Precision = s.cfg.Precision
		resp.ReferenceID = s.referenceID
		if req.ReferenceTS == ntp5.NTP5DraftMagic() {
			resp.ReferenceTS = ntp5.NTP5DraftMagic()
		} else {
			resp.ReferenceTS = s.referenceTS
		}
		resp.ReceiveTS = receiveTS
		resp.TransmitTS = transmitTS

		if req.ReceiveTS != req.TransmitTS {
			if saved, ok := s.ts.Pop(req.OriginTS); ok {
				resp.TransmitTS = saved
				resp.OriginTS = req.ReceiveTS
			} else {
				resp.OriginTS = req.TransmitTS
			}
		} else {
			resp.OriginTS = req.TransmitTS
		}
	}

	return resp
}

func wrapDiff(a, b uint64) float64 {
	return float64(int64(a - b))
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
