// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package address

import "testing"

func TestAddressNetwork(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		want string
	}{
		{"host and port", Address("localhost:27017"), "tcp"},
		{"host only", Address("localhost"), "tcp"},
		{"unix socket", Address("/tmp/mongodb-27017.sock"), "unix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.addr.Network(); got != tt.want {
				t.Fatalf("Network() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddressString(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		want string
	}{
		{"host and port unchanged", Address("example.com:27018"), "example.com:27018"},
		{"missing port defaults to 27017", Address("example.com"), "example.com:27017"},
		{"empty host defaults to localhost", Address(":27017"), "localhost:27017"},
		{"unix socket passed through verbatim", Address("/var/run/mongodb.sock"), "/var/run/mongodb.sock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.addr.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddressCanonicalize(t *testing.T) {
	addr := Address("ShardA.Example.COM:27017")
	want := Address("sharda.example.com:27017")
	if got := addr.Canonicalize(); got != want {
		t.Fatalf("Canonicalize() = %q, want %q", got, want)
	}
}
