// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package accesslog

import (
	"io"
	"os"
)

// Diagnostics written to standard error by Emit. These are plain
// strings on purpose; the access log itself must stay machine-clean.
const (
	msgWriteFailed   = "Writing log output failed."
	msgMultipleTries = "Writing a single log record needed multiple attempts, log might be corrupted."
)

var stderr io.Writer = os.Stderr

// Emit writes one serialized record to the sink, retrying short
// writes. A record that needed more than one write call may have been
// interleaved with another writer, so a warning is raised; a record
// that could not be written completely is lost and reported. Either
// way the request that produced the record is unaffected.
func (l *Logger) Emit(rec []byte) {
	tries := 0
	written := 0
	for written < len(rec) {
		tries++
		n, err := l.sink.Write(rec[written:])
		if n > 0 {
			written += n
		}
		if err != nil {
			break
		}
		if n <= 0 {
			break
		}
	}
	if written != len(rec) {
		stderr.Write([]byte(msgWriteFailed + "\n"))
	} else if tries > 1 {
		stderr.Write([]byte(msgMultipleTries + "\n"))
	}
}
