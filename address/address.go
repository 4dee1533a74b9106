// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package address provides the address type and related methods used by the
// driver to identify members of a deployment.
package address

import (
	"net"
	"strings"
)

// Address is a network address. It can either be an "IP:port" pair or, on
// platforms that support it, the path to a Unix domain socket.
type Address string

// Network returns the network type for this address. If the address looks
// like a filesystem path ending in ".sock" it is treated as a Unix domain
// socket, otherwise it is treated as a TCP endpoint.
func (a Address) Network() string {
	if strings.HasSuffix(string(a), ".sock") {
		return "unix"
	}
	return "tcp"
}

// String returns the string representation of this address, defaulting the
// port to 27017 when one is not present and the address is a TCP endpoint.
func (a Address) String() string {
	if a.Network() == "unix" {
		return string(a)
	}

	host, port, err := net.SplitHostPort(string(a))
	if err != nil {
		// No port was supplied; assume the default.
		host = string(a)
		port = "27017"
	}
	if host == "" {
		host = "localhost"
	}

	return net.JoinHostPort(host, port)
}

// Canonicalize creates a canonicalized address. Currently, this lower-cases
// the given address, mirroring the server's own hostname normalization.
func (a Address) Canonicalize() Address {
	return Address(strings.ToLower(string(a)))
}
