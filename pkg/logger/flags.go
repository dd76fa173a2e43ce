package logger

import (
	"flag"
	"fmt"
)

// Flags binds the logging options to a command-line flag set.
type Flags struct {
	level *string
	json  *bool
	file  *string
	debug *string
}

// RegisterFlags adds the logging flags to fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		level: fs.String("log-level", "info",
			"Log level: debug, info, warn, error"),
		json: fs.Bool("log-json", false,
			"Emit JSON log records instead of text"),
		file: fs.String("log-file", "",
			"Append log output to this file instead of stdout"),
		debug: fs.String("debug", "",
			"Comma-separated debug categories: memsink, rtp, acap, aplay, session, all"),
	}
}

// Options resolves the parsed flags. Naming any debug category implies
// debug level.
func (f *Flags) Options() (Options, error) {
	debug, err := ParseCategories(*f.debug)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Level: *f.level,
		JSON:  *f.json,
		File:  *f.file,
		Debug: debug,
	}, nil
}

// Summary is a one-line description for the startup log record.
func (f *Flags) Summary() string {
	out := "level=" + *f.level
	if *f.json {
		out += " format=json"
	}
	if *f.file != "" {
		out += " output=" + *f.file
	}
	if *f.debug != "" {
		out += fmt.Sprintf(" debug=[%s]", *f.debug)
	}
	return out
}
