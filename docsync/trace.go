package docsync

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// HandleError runs `do` and traps a panic.
// The panic is logged under `tag` with its stack and counted, then each handler runs.
// Handlers are `func()` or `func(error)`.
func HandleError(tag string, do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			panics.WithLabelValues(tag).Inc()
			glog.Warningf("[%s]unexpected panic: %s\n", tag, ErrorJson(r, debug.Stack()))

			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

// one line json with the stack frames trimmed
func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%v", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// Trace times `do` at V(2). Below V(2) it only runs `do`.
func Trace(tag string, name string, do func()) {
	trace(tag, name, func() string {
		do()
		return ""
	})
}

func TraceWithReturnError[R any](tag string, name string, do func() (R, error)) (result R, returnErr error) {
	trace(tag, name, func() string {
		result, returnErr = do()
		if returnErr != nil {
			return fmt.Sprintf(" err = %s", returnErr)
		}
		return ""
	})
	return
}

func trace(tag string, name string, do func() string) {
	if !glog.V(2) {
		do()
		return
	}
	start := time.Now()
	glog.InfoDepth(2, fmt.Sprintf("[%s]%s start", tag, name))
	doTag := do()
	glog.InfoDepth(2, fmt.Sprintf("[%s]%s end (%s)%s", tag, name, time.Since(start), doTag))
}
