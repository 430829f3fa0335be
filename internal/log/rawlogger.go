package log

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger hex dumps raw frames and packets.
type RawLogger interface {
	Log(in bool, data []byte)
	// Named returns a logger sharing the writer that tags lines with source.
	Named(source string) RawLogger
}

type rawSink struct {
	w  io.Writer
	mu sync.Mutex
}

type rawLogger struct {
	sink   *rawSink
	source string
}

// NewRaw creates a RawLogger writing to w. A nil writer yields a no-op logger.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{sink: &rawSink{w: w}, source: "raw"}
}

func (r *rawLogger) Named(source string) RawLogger {
	return &rawLogger{sink: r.sink, source: source}
}

// Log emits one line with timestamp, direction and hex dump.
// in=true means received by this process, in=false means sent.
func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 || r.sink.w == nil {
		return
	}

	dir := "TX"
	if in {
		dir = "RX"
	}

	var hexbuf bytes.Buffer
	const hexdigits = "0123456789abcdef"
	for i, b := range data {
		if i > 0 {
			hexbuf.WriteByte(' ')
		}
		hexbuf.WriteByte(hexdigits[b>>4])
		hexbuf.WriteByte(hexdigits[b&0x0f])
	}

	line := fmt.Sprintf("%s %s %s %d bytes: %s\n",
		time.Now().Format("2006/01/02 15:04:05.000"),
		r.source,
		dir,
		len(data),
		hexbuf.String())

	r.sink.mu.Lock()
	_, _ = r.sink.w.Write([]byte(line))
	r.sink.mu.Unlock()
}
