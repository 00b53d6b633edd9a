package handlers

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/relaymux/relaymux/internal/codec"
)

// streamTransducer re-frames an upstream SSE stream into the client's wire
// format: events are split on blank lines, each data payload is decoded to
// IR and re-encoded, and the emitted payloads are accumulated as a JSON
// array for the request log.
type streamTransducer struct {
	decoder codec.Decoder
	encoder codec.Encoder
	logger  *zap.Logger

	buffer   []byte
	body     strings.Builder
	hasChunk bool
	done     bool
}

func newStreamTransducer(decoder codec.Decoder, encoder codec.Encoder, logger *zap.Logger) *streamTransducer {
	return &streamTransducer{
		decoder: decoder,
		encoder: encoder,
		logger:  logger,
	}
}

// run pumps the upstream body to the client until EOF or the terminal
// signal, then returns the accumulated response body for logging.
func (t *streamTransducer) run(upstream io.Reader, w io.Writer) string {
	flusher, _ := w.(http.Flusher)
	emit := func(payload string) {
		if _, err := io.WriteString(w, "data: "+payload+"\n\n"); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	chunk := make([]byte, 4096)
	for !t.done {
		n, err := upstream.Read(chunk)
		if n > 0 {
			t.buffer = append(t.buffer, chunk[:n]...)
			t.drain(emit)
		}
		if err != nil {
			break
		}
	}

	// Flush any trailing event the upstream sent without a final blank
	// line, then close out the stream if the upstream never signaled done.
	if !t.done && len(t.buffer) > 0 {
		t.processEventBlock(string(t.buffer), emit)
		t.buffer = nil
	}
	if !t.done {
		if signal := t.encoder.StreamDoneSignal(); signal != "" {
			emit(signal)
		}
	}

	if !t.hasChunk {
		return ""
	}
	t.body.WriteString("]")
	return t.body.String()
}

// drain processes every complete event block currently buffered.
func (t *streamTransducer) drain(emit func(string)) {
	for !t.done {
		pos := bytes.Index(t.buffer, []byte("\n\n"))
		if pos < 0 {
			return
		}
		block := string(t.buffer[:pos])
		t.buffer = t.buffer[pos+2:]
		t.processEventBlock(block, emit)
	}
}

func (t *streamTransducer) processEventBlock(block string, emit func(string)) {
	for _, line := range strings.Split(block, "\n") {
		var data string
		if d, ok := strings.CutPrefix(line, "data: "); ok {
			data = strings.TrimSpace(d)
		} else if d, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(d)
		} else {
			// event:, id:, retry:, and comment lines carry no payload.
			continue
		}

		if t.decoder.IsStreamDone(data) {
			if signal := t.encoder.StreamDoneSignal(); signal != "" {
				emit(signal)
			}
			t.done = true
			return
		}

		irChunk, err := t.decoder.DecodeStreamChunk(data)
		if err != nil {
			t.logger.Error("decode stream chunk error", zap.Error(err))
			continue
		}
		if irChunk == nil {
			continue
		}

		encoded, err := t.encoder.EncodeStreamChunk(irChunk)
		if err != nil {
			t.logger.Error("encode stream chunk error", zap.Error(err))
			continue
		}
		if encoded == "" {
			continue
		}

		if t.hasChunk {
			t.body.WriteString(",")
		} else {
			t.body.WriteString("[")
			t.hasChunk = true
		}
		t.body.WriteString(encoded)
		emit(encoded)
	}
}
