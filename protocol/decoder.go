package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

const (
	readChunkSize = 4096
	maxLoggedLine = 200
)

// ChunkSource yields raw byte chunks in order. It returns io.EOF once the
// stream has ended; a chunk may accompany any error.
type ChunkSource interface {
	NextChunk(ctx context.Context) ([]byte, error)
}

// ChunkSourceFunc adapts a function to ChunkSource.
type ChunkSourceFunc func(ctx context.Context) ([]byte, error)

func (f ChunkSourceFunc) NextChunk(ctx context.Context) ([]byte, error) { return f(ctx) }

// SliceSource returns a ChunkSource yielding the given chunks, then io.EOF.
func SliceSource(chunks ...[]byte) ChunkSource {
	i := 0
	return ChunkSourceFunc(func(context.Context) ([]byte, error) {
		if i >= len(chunks) {
			return nil, io.EOF
		}
		chunk := chunks[i]
		i++
		return chunk, nil
	})
}

type readerSource struct {
	r   io.Reader
	buf []byte
}

func (s *readerSource) NextChunk(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.r.Read(s.buf)
	return s.buf[:n], err
}

// Decoder turns a byte stream into wire events. It buffers bytes until a
// newline completes a line, so chunk boundaries may fall anywhere,
// including inside a multi-byte character. Malformed lines are logged and
// skipped. A Decoder is not safe for concurrent use.
type Decoder struct {
	src     ChunkSource
	logger  logrus.FieldLogger
	buf     []byte
	pending []Event
	done    bool
	err     error
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, logger logrus.FieldLogger) *Decoder {
	return NewChunkDecoder(&readerSource{r: r, buf: make([]byte, readChunkSize)}, logger)
}

// NewChunkDecoder returns a Decoder pulling chunks from src. A nil src is
// allowed when the Decoder is only driven through Feed.
func NewChunkDecoder(src ChunkSource, logger logrus.FieldLogger) *Decoder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Decoder{src: src, logger: logger}
}

// Next returns the next event. It returns io.EOF when the stream has ended
// cleanly and the source's error if the transport failed.
func (d *Decoder) Next(ctx context.Context) (Event, error) {
	for {
		if len(d.pending) > 0 {
			event := d.pending[0]
			d.pending = d.pending[1:]
			return event, nil
		}
		if d.done {
			if d.err != nil {
				return nil, d.err
			}
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.src == nil {
			d.done = true
			continue
		}

		chunk, err := d.src.NextChunk(ctx)
		if len(chunk) > 0 {
			d.pending = append(d.pending, d.Feed(chunk)...)
		}
		switch {
		case errors.Is(err, io.EOF):
			d.done = true
			d.pending = append(d.pending, d.Flush()...)
		case err != nil:
			d.done = true
			d.err = err
		}
	}
}

// Feed appends a chunk and returns the events of every line it completed.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)
	var events []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		if event, ok := d.parseLine(d.buf[:i]); ok {
			events = append(events, event)
		}
		d.buf = d.buf[i+1:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Flush parses whatever unterminated line remains buffered. It is called
// when the stream ends.
func (d *Decoder) Flush() []Event {
	rest := d.buf
	d.buf = nil
	if event, ok := d.parseLine(rest); ok {
		return []Event{event}
	}
	return nil
}

func (d *Decoder) parseLine(raw []byte) (Event, bool) {
	line := string(bytes.TrimSuffix(raw, []byte{'\r'}))
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	event, err := ParseFrame(line)
	switch {
	case err == nil:
		return event, true
	case errors.Is(err, ErrNotDataFrame):
		return nil, false
	}

	if len(line) > maxLoggedLine {
		line = line[:maxLoggedLine] + "..."
	}
	log := d.logger.WithError(err).WithField("line", line)
	if errors.Is(err, ErrUnknownEventType) {
		log.Debug("skipping frame of unknown type")
	} else {
		log.Warn("skipping malformed frame")
	}
	return nil, false
}
