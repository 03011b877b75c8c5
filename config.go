// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evhttp

import (
	"os"
	"strconv"
	"time"
)

// envDuration reads a timeout default from the environment. The value
// may be a Go duration ("250ms", "1m") or a plain number of seconds.
// An unset or unparseable value yields fallback.
func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
