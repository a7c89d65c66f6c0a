package posthog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// maxStackFrames bounds the number of frames serialized per exception,
	// most recent first.
	maxStackFrames = 50

	// sourceContextLines is how many lines around the faulting line are
	// attached to each frame when the source file is readable.
	sourceContextLines = 5
)

// stackFrame is the wire shape of one stack trace entry.
type stackFrame struct {
	Filename    string   `json:"filename"`
	AbsPath     string   `json:"abs_path"`
	Lineno      int      `json:"lineno"`
	Colno       int      `json:"colno"`
	Function    string   `json:"function"`
	InApp       bool     `json:"in_app"`
	ContextLine string   `json:"context_line,omitempty"`
	PreContext  []string `json:"pre_context,omitempty"`
	PostContext []string `json:"post_context,omitempty"`
}

// serializeException turns an ExceptionInput into the $exception_* property
// bag. Error inputs carry a stacktrace; plain string inputs are synthetic
// and carry none.
func serializeException(in ExceptionInput) Properties {
	excType := "Error"
	message := in.Message
	synthetic := in.Err == nil
	if in.Err != nil {
		excType = fmt.Sprintf("%T", in.Err)
		message = in.Err.Error()
	}

	entry := map[string]any{
		"type":  excType,
		"value": message,
		"mechanism": map[string]any{
			"type":      "generic",
			"handled":   in.Handled,
			"synthetic": synthetic,
		},
	}
	if !synthetic && len(in.callers) > 0 {
		if frames := collectFrames(in.callers); len(frames) > 0 {
			entry["stacktrace"] = map[string]any{"frames": frames}
		}
	}

	return Properties{
		"$exception_type":    excType,
		"$exception_message": message,
		"$exception_list":    []any{entry},
	}
}

// collectFrames resolves program counters into structured frames, most
// recent first, with source context where the file is readable.
func collectFrames(pcs []uintptr) []stackFrame {
	if len(pcs) > maxStackFrames {
		pcs = pcs[:maxStackFrames]
	}
	iter := runtime.CallersFrames(pcs)
	var frames []stackFrame
	for {
		fr, more := iter.Next()
		if fr.PC != 0 && fr.File != "" {
			frame := stackFrame{
				Filename: filepath.Base(fr.File),
				AbsPath:  fr.File,
				Lineno:   fr.Line,
				Function: fr.Function,
				InApp:    isInAppPath(fr.File),
			}
			attachSourceContext(&frame)
			frames = append(frames, frame)
		}
		if !more || len(frames) >= maxStackFrames {
			break
		}
	}
	return frames
}

// libraryPathMarkers classify a frame as library code rather than
// application code: the Go runtime tree, the module cache, vendored
// dependencies, and system-wide install prefixes.
var libraryPathMarkers = []string{
	"/go/pkg/mod/",
	"/vendor/",
	"/usr/local/go/",
	"/usr/lib/",
	"/lib/go/",
}

func isInAppPath(path string) bool {
	if goroot := runtime.GOROOT(); goroot != "" && strings.HasPrefix(path, goroot) {
		return false
	}
	for _, marker := range libraryPathMarkers {
		if strings.Contains(path, marker) {
			return false
		}
	}
	return true
}

// attachSourceContext reads the frame's source file and attaches the
// faulting line plus up to sourceContextLines lines either side. Read
// failures and out-of-range line numbers leave the context fields empty.
func attachSourceContext(frame *stackFrame) {
	if frame.Lineno <= 0 {
		return
	}
	data, err := os.ReadFile(frame.AbsPath)
	if err != nil {
		return
	}
	lines := strings.Split(string(data), "\n")
	idx := frame.Lineno - 1
	if idx >= len(lines) {
		return
	}
	frame.ContextLine = lines[idx]
	pre := idx - sourceContextLines
	if pre < 0 {
		pre = 0
	}
	frame.PreContext = append([]string(nil), lines[pre:idx]...)
	post := idx + 1 + sourceContextLines
	if post > len(lines) {
		post = len(lines)
	}
	frame.PostContext = append([]string(nil), lines[idx+1:post]...)
}
