// Package log provides the leveled, key-value logging used throughout
// the core. It mirrors the handler/formatter shape of go-ethereum's log
// package (itself a fork of log15) by wiring log15 directly: a root
// handler is installed once by the host process, and every subsystem
// obtains its own logger carrying a fixed set of context fields.
package log

import (
	"os"

	"github.com/inconshreveable/log15"
	colorable "github.com/mattn/go-colorable"
)

// Lvl mirrors log15's verbosity levels for SetLevel.
type Lvl = log15.Lvl

const (
	LvlCrit Lvl = log15.LvlCrit
	LvlError Lvl = log15.LvlError
	LvlWarn Lvl = log15.LvlWarn
	LvlInfo Lvl = log15.LvlInfo
	LvlDebug Lvl = log15.LvlDebug
	LvlTrace Lvl = log15.LvlTrace
)

// Logger is the interface every component receives. It is satisfied
// directly by log15.Logger.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) log15.Logger
}

var root = log15.New()

func init() {
	// colourised terminal handler by default; SetLevel/SetHandler let
	// the host process (or cmd/atmospherenode) reconfigure at startup.
	root.SetHandler(log15.LvlFilterHandler(log15.LvlInfo,
		log15.StreamHandler(colorable.NewColorableStderr(), log15.TerminalFormat())))
}

// New returns a logger scoped with the given context fields, e.g.
//   log.New("component", "syncengine", "peer", peerID)
func New(ctx ...interface{}) Logger {
	return root.New(ctx...)
}

// SetLevel adjusts the root handler's verbosity.
func SetLevel(lvl Lvl) {
	root.SetHandler(log15.LvlFilterHandler(lvl,
		log15.StreamHandler(colorable.NewColorableStderr(), log15.TerminalFormat())))
}

// SetPlain installs a non-colourised handler, used when stderr isn't a
// terminal (e.g. under a host process that captures logs itself).
func SetPlain(lvl Lvl) {
	root.SetHandler(log15.LvlFilterHandler(lvl,
		log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))
}
