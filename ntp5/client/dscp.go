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

package client

import (
	"net"

	"golang.org/x/sys/unix"
)

// ConnFd returns the raw file descriptor backing conn. Calling conn.File()
// dups the fd and switches conn to blocking mode underneath, which is fine
// here since the node only ever reads conn after its own select(2) call
// already reported it readable.
func ConnFd(conn *net.UDPConn) (int, error) {
	f, err := conn.File()
	if err != nil {
		return -1, err
	}
	return int(f.Fd()), nil
}

// EnableDSCP marks outgoing packets on conn with the given Differentiated
// Services Code Point, matching the local address family.
func EnableDSCP(conn *net.UDPConn, localAddr net.IP, dscp int) error {
	fd, err := ConnFd(conn)
	if err != nil {
		return err
	}
	if localAddr.To4() == nil {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscp<<2)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
}
