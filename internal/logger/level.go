// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "strings"

// DiffToInfo is the number of severities below Info; a LogSink that follows
// go-logr's convention (Info == verbosity 0) subtracts this from Level before
// calling Sink.Info, so a Debug message lands at verbosity 1.
const DiffToInfo = 1

// Level is the severity of a single log message.
type Level int

// Level constants, ordered least to most verbose.
const (
	LevelOff Level = iota
	LevelInfo
	LevelDebug
)

// levelLiterals maps the environment-variable spellings (borrowed from the
// syslog severity names so operators already familiar with them don't need
// a new vocabulary) onto the two levels this driver actually distinguishes.
var levelLiterals = map[string]Level{
	"off": LevelOff,
	"emergency": LevelInfo,
	"alert": LevelInfo,
	"critical": LevelInfo,
	"error": LevelInfo,
	"warn": LevelInfo,
	"notice": LevelInfo,
	"info": LevelInfo,
	"debug": LevelDebug,
	"trace": LevelDebug,
}

// ParseLevel parses the environment-variable spelling of a log level,
// defaulting to LevelOff for anything unrecognized.
func ParseLevel(str string) Level {
	for literal, level := range levelLiterals {
		if strings.EqualFold(literal, str) {
			return level
		}
	}
	return LevelOff
}
