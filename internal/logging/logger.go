// Package logging provides the leveled, category-gated logger used across
// meshnet. It mirrors the teacher's single global logger rather than
// threading a logger value through every constructor, since the mesh is a
// single-process, single-instance component per the design notes' global
// state guidance.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// Category is one bit of the debugMsgTypes bitfield from the configuration
// surface.
type Category uint16

const (
	CatError Category = 1 << iota
	CatStartup
	CatConnection
	CatSync
	CatCommunication
	CatGeneral
	CatMsgTypes
	CatRemote

	CatAll Category = CatError | CatStartup | CatConnection | CatSync |
		CatCommunication | CatGeneral | CatMsgTypes | CatRemote
)

var currentLevel int32 = int32(LevelInfo)
var currentMask int32 = int32(CatAll)

// Init configures the logger from environment variables, the way the
// teacher's logging.Init reads REPRAM_LOG_LEVEL. Call SetLevel/SetMask
// directly when wiring from NodeConfig instead.
func Init() {
	switch strings.ToLower(os.Getenv("MESH_LOG_LEVEL")) {
	case "debug":
		SetLevel(LevelDebug)
	case "info":
		SetLevel(LevelInfo)
	case "warn":
		SetLevel(LevelWarn)
	case "error":
		SetLevel(LevelError)
	}
	log.SetFlags(log.Ldate | log.Ltime)
}

func SetLevel(l Level) { atomic.StoreInt32(&currentLevel, int32(l)) }

// SetMask restricts logging to the given debug categories. A zero mask
// disables all categorized logging regardless of level.
func SetMask(m Category) { atomic.StoreInt32(&currentMask, int32(m)) }

func enabled(level Level, cat Category) bool {
	if level < Level(atomic.LoadInt32(&currentLevel)) {
		return false
	}
	return Category(atomic.LoadInt32(&currentMask))&cat != 0
}

func logf(level Level, cat Category, format string, args ...any) {
	if !enabled(level, cat) {
		return
	}
	log.Printf("[%s] %s", levelNames[level], fmt.Sprintf(format, args...))
}

// Debug/Info/Warn/Error log under CatGeneral, matching the teacher's
// uncategorized default usage.
func Debug(format string, args ...any) { logf(LevelDebug, CatGeneral, format, args...) }
func Info(format string, args ...any)  { logf(LevelInfo, CatGeneral, format, args...) }
func Warn(format string, args ...any)  { logf(LevelWarn, CatGeneral, format, args...) }
func Error(format string, args ...any) { logf(LevelError, CatError, format, args...) }

// Cat logs at the given level under an explicit debug category — used by
// components that care about the debugMsgTypes bitfield (connection
// lifecycle, sync exchanges, bridge/remote events).
func Cat(level Level, cat Category, format string, args ...any) { logf(level, cat, format, args...) }
