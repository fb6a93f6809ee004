package utils

import "io"

type flusher interface {
	Flush() error
}

type flushingWriter struct {
	destination io.Writer
	flusher     flusher
}

// NewFlushingWriter wraps writers exposing Flush so every write is flushed immediately.
func NewFlushingWriter(destination io.Writer) io.Writer {
	writerFlusher, flushable := destination.(flusher)
	if !flushable {
		return destination
	}
	return &flushingWriter{destination: destination, flusher: writerFlusher}
}

func (writer *flushingWriter) Write(data []byte) (int, error) {
	bytesWritten, writeError := writer.destination.Write(data)
	if writeError != nil {
		return bytesWritten, writeError
	}
	return bytesWritten, writer.flusher.Flush()
}
