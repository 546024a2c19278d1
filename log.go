// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package perobs

import (
	"os"

	"github.com/rs/zerolog"
)

// defaultLogger is used by a Store whose Options did not set one
// explicitly: a console-friendly writer with no level filter (the store
// itself logs at info, warn and error only), matching the pack's
// go-ethereum-derived repos, which default to human-readable
// console logging and only switch to JSON under an explicit flag.
func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Str("component", "perobs").
		Logger()
}
