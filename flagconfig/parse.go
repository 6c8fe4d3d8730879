// SPDX-License-Identifier: MIT

// Package flagconfig lets the example programs read their flags from
// a configuration file in addition to the command line.
package flagconfig

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Parse parses arguments into fs, then re-applies them on top of the
// flags found in the file named by *flagConfig (if non-empty), so
// that command line flags take precedence.  The filename is passed as
// a pointer so it can itself be parsed from the command line.
//
// NOTE: The FlagSet must use flag.ContinueOnError.
func Parse(fs *flag.FlagSet, arguments []string, flagConfig *string) error {
	if fs.ErrorHandling() != flag.ContinueOnError {
		return fmt.Errorf("flagconfig: wrong ErrorHandling for FlagSet, must use flag.ContinueOnError")
	}
	err := fs.Parse(arguments)
	if err != nil {
		return err
	}

	if len(*flagConfig) == 0 {
		return nil
	}

	config, err := os.ReadFile(*flagConfig)
	if err != nil {
		return err
	}
	config = bytes.TrimSpace(config)
	if err := fs.Parse(strings.Fields(string(config))); err != nil {
		return err
	}

	// Redo the parse from the command line to make sure it gets
	// precedence over the file.
	return fs.Parse(arguments)
}
