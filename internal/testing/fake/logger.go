// Package fake provides test helpers shared by the packages of the module.
package fake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

// GetError returns the error used by the fakes to simulate a failure.
func GetError() error {
	return xerrors.New("fake error")
}

// Err returns the message of the fake error wrapped with the prefix.
func Err(prefix string) string {
	return fmt.Sprintf("%s: fake error", prefix)
}

// LogBuffer is a thread-safe buffer that records the JSON lines of a logger.
type LogBuffer struct {
	sync.Mutex
	buffer bytes.Buffer
}

// NewLogger returns a logger writing to a new buffer.
func NewLogger() (zerolog.Logger, *LogBuffer) {
	buf := &LogBuffer{}

	return zerolog.New(buf).Level(zerolog.TraceLevel), buf
}

// Write implements io.Writer.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()

	return b.buffer.Write(p)
}

// String returns everything written so far.
func (b *LogBuffer) String() string {
	b.Lock()
	defer b.Unlock()

	return b.buffer.String()
}

// Count returns the number of entries with the given message.
func (b *LogBuffer) Count(msg string) int {
	count := 0

	for _, entry := range b.Entries() {
		if entry["message"] == msg {
			count++
		}
	}

	return count
}

// Entries returns the decoded log entries.
func (b *LogBuffer) Entries() []map[string]interface{} {
	var entries []map[string]interface{}

	for _, line := range strings.Split(b.String(), "\n") {
		if line == "" {
			continue
		}

		entry := make(map[string]interface{})
		if json.Unmarshal([]byte(line), &entry) == nil {
			entries = append(entries, entry)
		}
	}

	return entries
}

// CheckLog returns a logger and a check function. When called, the function
// will verify if the logger has seen the message printed.
func CheckLog(msg string) (zerolog.Logger, func(t *testing.T)) {
	logger, buf := NewLogger()

	check := func(t *testing.T) {
		require.Contains(t, buf.String(), fmt.Sprintf(`"%s"`, msg))
	}

	return logger, check
}
