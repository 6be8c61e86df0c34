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

package ntp5

import "errors"

// Sentinel errors for per-datagram failures. All are meant to
// be recovered locally by the caller (logged and the datagram dropped),
// never propagated to the event loop.
var (
	// ErrInvalidFormat covers length, alignment, version byte, unknown v5
	// draft ID, and malformed extension fields.
	ErrInvalidFormat = errors.New("ntp5: invalid format")
	// ErrBogusResponse means request/response pairing failed (wrong cookie
	// or origin-timestamp echo).
	ErrBogusResponse = errors.New("ntp5: bogus response")
	// ErrUnsynchronizedResponse means the peer advertised no sync.
	ErrUnsynchronizedResponse = errors.New("ntp5: unsynchronized response")
	// ErrUnsupportedTimescale means a v5 peer used a non-configured
	// timescale.
	ErrUnsupportedTimescale = errors.New("ntp5: unsupported timescale")
	// ErrTransientIO covers socket read/write failures.
	ErrTransientIO = errors.New("ntp5: transient I/O error")
)
