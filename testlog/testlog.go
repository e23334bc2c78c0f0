// Package testlog routes go-ethereum/log output through the testing
// framework, so worker and store logs show up attached to the failing test.
package testlog

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
)

// Logger returns a logger that forwards records at or above lvl to t.
func Logger(t *testing.T, lvl log.Lvl) log.Logger {
	l := log.New()
	format := log.TerminalFormat(false)
	l.SetHandler(log.LvlFilterHandler(lvl, log.FuncHandler(func(r *log.Record) error {
		t.Helper()
		t.Logf("%s", format.Format(r))
		return nil
	})))
	return l
}
