package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to. If nil, writes are sent to
	// the same target as Printf.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// Write writes p to the underlying sink, emitting Prefix before the first
// byte of every line. The prefix bytes are not included in the returned
// count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, lineStart int

	for index := 0; index < len(p); index++ {
		if p[index] != '\n' && index != len(p)-1 {
			continue
		}

		if !w.midLine {
			doWrite(w.sink(), w.Prefix)
		}

		n, err := w.sinkWrite(p[lineStart : index+1])
		written += n
		if err != nil {
			return written, err
		}

		w.midLine = p[index] != '\n'
		lineStart = index + 1
	}

	return written, nil
}

func (w *PrefixWriter) sink() io.Writer {
	if w.Sink != nil {
		return w.Sink
	}
	return outputSink
}

func (w *PrefixWriter) sinkWrite(p []byte) (int, error) {
	if sink := w.sink(); sink != nil {
		return sink.Write(p)
	}
	return earlyPrintBuffer.Write(p)
}
