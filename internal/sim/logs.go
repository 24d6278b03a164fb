package sim

import (
	"bytes"
	"os"
	"strings"
	"sync"

	"github.com/st3v3nmw/bootfuzz/internal/cluster"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logBuffer keeps a node's JSON log lines in memory, and in a file when one
// is set.
type logBuffer struct {
	mu    sync.Mutex
	lines []string
	file  *os.File
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) > 0 {
			b.lines = append(b.lines, string(line))
		}
	}

	if b.file != nil {
		if _, err := b.file.Write(p); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

func (b *logBuffer) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		return b.file.Sync()
	}
	return nil
}

func (b *logBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		return nil
	}

	err := b.file.Close()
	b.file = nil
	return err
}

func (b *logBuffer) Mark() cluster.LogMarker {
	b.mu.Lock()
	defer b.mu.Unlock()

	return cluster.LogMarker(len(b.lines))
}

func (b *logBuffer) Grep(m cluster.LogMarker, text string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matches []string
	for _, line := range b.lines[min(int(max(m, 0)), len(b.lines)):] {
		if strings.Contains(gjson.Get(line, "msg").String(), text) {
			matches = append(matches, line)
		}
	}

	return matches
}

func newNodeLogger(node int, buf *logBuffer) *zap.Logger {
	encoder := zap.NewProductionEncoderConfig()
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoder), buf, zap.DebugLevel)
	return zap.New(core).With(zap.Int("node", node))
}
