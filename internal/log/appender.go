package log

import (
	"io"
	"os"

	"github.com/mitchellh/mapstructure"
)

type MultiWriter struct {
	writers []io.Writer
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		_, e := w.Write(p)
		if e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.writers = append(m.writers, writer)
	return m
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0)}
}

// ConsoleAppenderOpt configures the console appender.
type ConsoleAppenderOpt struct {
	Stream string `mapstructure:"stream"` // stderr (default) | stdout
}

// AddConsoleAppender writes to stderr, or stdout when asked. Decoded packets
// go to stdout, so logs default to stderr.
func (m *MultiWriter) AddConsoleAppender(options ConsoleAppenderOpt) *MultiWriter {
	if options.Stream == "stdout" {
		return m.Add(os.Stdout)
	}
	return m.Add(os.Stderr)
}

func decodeOptions(in map[string]interface{}, out interface{}) error {
	if len(in) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
