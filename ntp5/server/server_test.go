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

package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ntp5node/ntp5node/protocol/ntp5"
)

// fakeClock is a deterministic clock.Reader, ticking by one on every call
// so receive/transmit timestamps in a single exchange are never equal.
type fakeClock struct {
	v uint64
}

func (f *fakeClock) Now(int8) uint64 {
	f.v++
	return f.v
}

func tryListenUDP(t *testing.T) *net.UDPConn {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Skipf("failed to listen on any port: %v", err)
		return nil
	}
	return conn
}

func TestNewSeedsUnsynchronizedWithoutLocalReference(t *testing.T) {
	s := New(&fakeClock{}, Config{Precision: -20})
	require.Equal(t, uint8(0), s.stratum)
	require.Equal(t, ntp5.Leap4Unsynchronized, s.leap4)
	require.Zero(t, s.flags&ntp5.Flag5Synchronized)
}

func TestNewSeedsSyntheticStratumOneWithLocalReference(t *testing.T) {
	s := New(&fakeClock{}, Config{Precision: -20, LocalReference: true})
	require.Equal(t, uint8(1), s.stratum)
	require.Equal(t, localReferenceID, s.referenceID)
	require.NotZero(t, s.flags&ntp5.Flag5Synchronized)
}

func TestSetReferenceAlwaysFoldsInOwnReferenceIDs(t *testing.T) {
	s := New(&fakeClock{}, Config{Precision: -20})
	own := s.OwnReferenceIDs()

	empty := &ntp5.ReferenceIDSet{}
	s.SetReference(2, 0xAABBCCDD, empty, 1000, 0.01, 0.02)

	require.Equal(t, uint8(2), s.stratum)
	for i := 0; i < len(own)*8; i++ {
		if own.TestBit(i) {
			require.True(t, s.referenceIDs.TestBit(i))
		}
	}
}

func TestNoRefIDDisablesOwnIdentityBits(t *testing.T) {
	s := New(&fakeClock{}, Config{Precision: -20, NoRefID: true})
	own := s.OwnReferenceIDs()
	for i := 0; i < len(own)*8; i++ {
		require.False(t, own.TestBit(i))
	}
}

func draftID() *string {
	s := ntp5.OurDraftID
	return &s
}

func TestReceiveRequestAnswersV5ClientRequest(t *testing.T) {
	conn := tryListenUDP(t)
	defer conn.Close()
	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	s := New(&fakeClock{}, Config{Precision: -20, LocalReference: true, MaxTimestamps: DefaultMaxTimestamps})

	req := &ntp5.Message{
		Version:      5,
		Mode:         ntp5.ModeClient,
		ClientCookie: 0x1234,
		Ext:          ntp5.Extensions{DraftID: draftID()},
	}
	buf, err := ntp5.Encode(req, 0)
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	require.NoError(t, s.ReceiveRequest(conn))

	rbuf := make([]byte, 1472)
	n, err := client.Read(rbuf)
	require.NoError(t, err)

	resp, err := ntp5.Decode(rbuf[:n])
	require.NoError(t, err)
	require.Equal(t, ntp5.ModeServer, resp.Mode)
	require.Equal(t, uint64(0x1234), resp.ClientCookie)
	require.Equal(t, uint8(1), resp.Stratum)
}

func TestReceiveRequestIgnoresNonClientMode(t *testing.T) {
	conn := tryListenUDP(t)
	defer conn.Close()
	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	s := New(&fakeClock{}, Config{Precision: -20})

	req := &ntp5.Message{Version: 4, Mode: ntp5.ModeServer}
	buf, err := ntp5.Encode(req, 0)
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	require.NoError(t, s.ReceiveRequest(conn))
	require.Equal(t, 0, s.ts.Len())
}

func TestReceiveRequestAnswersV4ClientRequest(t *testing.T) {
	conn := tryListenUDP(t)
	defer conn.Close()
	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	s := New(&fakeClock{}, Config{Precision: -20, LocalReference: true, MaxTimestamps: DefaultMaxTimestamps})

	req := &ntp5.Message{
		Version:    4,
		Mode:       ntp5.ModeClient,
		TransmitTS: 0x1111,
	}
	buf, err := ntp5.Encode(req, 0)
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	require.NoError(t, s.ReceiveRequest(conn))

	rbuf := make([]byte, 1472)
	n, err := client.Read(rbuf)
	require.NoError(t, err)

	resp, err := ntp5.Decode(rbuf[:n])
	require.NoError(t, err)
	require.Equal(t, ntp5.ModeServer, resp.Mode)
	require.Equal(t, uint8(1), resp.Stratum)
	require.Equal(t, uint64(0x1111), resp.OriginTS)
	require.NotZero(t, resp.TransmitTS)
}

func TestInterleavedV4ReplyRevealsPreciseTransmitTimestampNextRound(t *testing.T) {
	conn := tryListenUDP(t)
	defer conn.Close()
	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	s := New(&fakeClock{}, Config{Precision: -20, LocalReference: true, MaxTimestamps: DefaultMaxTimestamps})

	// First request: basic mode (ReceiveTS unset), so nothing is popped
	// from the (still empty) cache.
	req1 := &ntp5.Message{
		Version:    4,
		Mode:       ntp5.ModeClient,
		TransmitTS: 0x1111,
	}
	buf1, err := ntp5.Encode(req1, 0)
	require.NoError(t, err)
	_, err = client.Write(buf1)
	require.NoError(t, err)
	require.NoError(t, s.ReceiveRequest(conn))

	rbuf1 := make([]byte, 1472)
	n1, err := client.Read(rbuf1)
	require.NoError(t, err)
	resp1, err := ntp5.Decode(rbuf1[:n1])
	require.NoError(t, err)
	require.NotZero(t, resp1.ReceiveTS)

	// Second request quotes the first reply's receive timestamp as its
	// origin, and carries its own non-zero receive timestamp, which must
	// reveal the precise transmit timestamp saved after the first reply.
	req2 := &ntp5.Message{
		Version:    4,
		Mode:       ntp5.ModeClient,
		TransmitTS: 0x2222,
		ReceiveTS:  0x3333,
		OriginTS:   resp1.ReceiveTS,
	}
	buf2, err := ntp5.Encode(req2, 0)
	require.NoError(t, err)
	_, err = client.Write(buf2)
	require.NoError(t, err)
	require.NoError(t, s.ReceiveRequest(conn))

	rbuf2 := make([]byte, 1472)
	n2, err := client.Read(rbuf2)
	require.NoError(t, err)
	resp2, err := ntp5.Decode(rbuf2[:n2])
	require.NoError(t, err)

	require.Equal(t, uint64(0x3333), resp2.OriginTS)
	require.NotEqual(t, resp1.TransmitTS, resp2.TransmitTS)
}

func TestInterleavedV5ReplyRevealsPreciseTransmitTimestampNextRound(t *testing.T) {
	conn := tryListenUDP(t)
	defer conn.Close()
	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	s := New(&fakeClock{}, Config{Precision: -20, LocalReference: true, MaxTimestamps: DefaultMaxTimestamps})

	// First request: interleaved flag set but no prior server cookie to
	// reveal from.
	req1 := &ntp5.Message{
		Version: 5, Mode: ntp5.ModeClient,
		Flags: ntp5.Flag5Interleaved,
		Ext:   ntp5.Extensions{DraftID: draftID()},
	}
	buf1, err := ntp5.Encode(req1, 0)
	require.NoError(t, err)
	_, err = client.Write(buf1)
	require.NoError(t, err)
	require.NoError(t, s.ReceiveRequest(conn))

	rbuf1 := make([]byte, 1472)
	n1, err := client.Read(rbuf1)
	require.NoError(t, err)
	resp1, err := ntp5.Decode(rbuf1[:n1])
	require.NoError(t, err)
	require.NotZero(t, resp1.ServerCookie)

	// Second request quotes the server cookie from the first reply back,
	// which must reveal the precise transmit timestamp saved after it.
	req2 := &ntp5.Message{
		Version: 5, Mode: ntp5.ModeClient,
		Flags:        ntp5.Flag5Interleaved,
		ServerCookie: resp1.ServerCookie,
		Ext:          ntp5.Extensions{DraftID: draftID()},
	}
	buf2, err := ntp5.Encode(req2, 0)
	require.NoError(t, err)
	_, err = client.Write(buf2)
	require.NoError(t, err)
	require.NoError(t, s.ReceiveRequest(conn))

	rbuf2 := make([]byte, 1472)
	n2, err := client.Read(rbuf2)
	require.NoError(t, err)
	resp2, err := ntp5.Decode(rbuf2[:n2])
	require.NoError(t, err)

	require.True(t, resp2.Flags&ntp5.Flag5Interleaved != 0)
	require.NotEqual(t, resp1.TransmitTS, resp2.TransmitTS)
}
