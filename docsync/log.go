package docsync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention for docsync:
// Info:
//     abnormal but handled events. Silent in normal operation except one time startup data.
//     - dropped protocol messages
//     - patch application failures (the shadow is left behind and the next tick corrects it)
//     - transport write/read failures
// V(1):
//     connection and consumer lifecycle
// V(2):
//     per message and per tick trace

// tags
const (
	TagServer       = "s"
	TagClient       = "c"
	TagSynchronizer = "sync"
	TagScheduler    = "sched"
	TagSession      = "session"
	TagMemory       = "mem"
)

type LogFunction func(string, ...any)

// prefixes each line with `[tag]` and logs at verbosity `level`
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(level glog.Level, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			log("[%s]%s", tag, m)
		}
	}
}
