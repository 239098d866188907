package rfmesh

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/KarpelesLab/ringbuf"
)

// LogBuffer keeps the tail of the process logs in memory so it can be dumped
// on demand.
type LogBuffer struct {
	buf *ringbuf.Writer
}

// SetupLog makes the default slog logger write text records to w and to a
// 1MB in-memory ring buffer.
func SetupLog(w io.Writer, level slog.Level) (*LogBuffer, error) {
	buf, err := ringbuf.New(1024 * 1024)
	if err != nil {
		slog.Error(fmt.Sprintf("[rfmesh] Failed to setup logbuf: %s", err), "event", "rfmesh:log:setup_fail")
		return nil, err
	}

	h := slog.NewTextHandler(io.MultiWriter(w, buf), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))

	return &LogBuffer{buf: buf}, nil
}

// Target returns a writer appending to the buffer only.
func (l *LogBuffer) Target() io.Writer {
	return l.buf
}

// LogDmesg writes the buffered log tail to w.
func (l *LogBuffer) LogDmesg(w io.Writer) (int64, error) {
	r := l.buf.Reader()
	defer r.Close()
	return io.Copy(w, r)
}

func (l *LogBuffer) Close() {
	l.buf.Close()
}

// ParseLevel converts a configuration level name. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
