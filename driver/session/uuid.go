// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import "crypto/rand"

// newUUID generates a random (version 4) UUID for use as a session id.
func newUUID() [16]byte {
	var uuid [16]byte
	// crypto/rand.Read on a fixed-size array never returns a short read
	// without an error, and an error here (entropy source unavailable) is
	// unrecoverable for a process that also can't authenticate to a
	// server, so a panic is appropriate rather than threading an error
	// through every session constructor.
	if _, err := rand.Read(uuid[:]); err != nil {
		panic(err)
	}
	uuid[6] = (uuid[6] & 0x0f) | 0x40
	uuid[8] = (uuid[8] & 0x3f) | 0x80
	return uuid
}
