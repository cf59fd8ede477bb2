package providers

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/llmrelay/relay/internal/pricing"
)

const (
	// DefaultMaxText caps reassembled stream text.
	DefaultMaxText = 1 << 20
	// maxPending caps an unterminated SSE event; past it the event is dropped.
	maxPending = 4 << 20
)

// StreamResult is what the parser recovered from a finished stream.
type StreamResult struct {
	Usage      pricing.Usage
	UsageFound bool
	Model      string
	Text       string
	Events     int
	// ProviderError is the message of an error event sent by the provider.
	ProviderError string
}

// StreamParser incrementally parses server-sent events and extracts usage,
// model and text. It only reads "data:" payloads that are valid JSON;
// anything else is skipped without failing the stream.
type StreamParser struct {
	cap     *Capability
	buf     []byte
	raw     map[pricing.Category]int64
	found   bool
	model   string
	text    strings.Builder
	maxText int
	events  int
	errMsg  string
}

// NewStreamParser creates a parser for provider c. maxText bounds the
// captured text; zero disables text capture.
func NewStreamParser(c *Capability, maxText int) *StreamParser {
	return &StreamParser{
		cap:     c,
		buf:     make([]byte, 0, 4096),
		raw:     make(map[pricing.Category]int64),
		maxText: maxText,
	}
}

// Feed appends a chunk of the raw stream.
func (p *StreamParser) Feed(chunk []byte) {
	p.buf = append(p.buf, chunk...)
	p.parse(false)
	if len(p.buf) > maxPending {
		p.buf = p.buf[:0]
	}
}

// Finish parses any trailing event and returns the result.
func (p *StreamParser) Finish() StreamResult {
	p.parse(true)
	res := StreamResult{
		UsageFound:    p.found,
		Model:         p.model,
		Text:          p.text.String(),
		Events:        p.events,
		ProviderError: p.errMsg,
	}
	if p.found {
		res.Usage = p.cap.toUsage(p.raw)
	}
	return res
}

func (p *StreamParser) parse(flush bool) {
	for {
		event, rest, ok := nextSSEEvent(p.buf, flush)
		if !ok {
			return
		}
		p.buf = rest
		p.parseEvent(event)
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return buf[:crlf], buf[crlf+4:], true
	case lf >= 0:
		return buf[:lf], buf[lf+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (p *StreamParser) parseEvent(event []byte) {
	var name []byte
	dataLines := make([][]byte, 0, 2)
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			name = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("event:")))
		case bytes.HasPrefix(line, []byte("data:")):
			payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
			if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
				continue
			}
			dataLines = append(dataLines, payload)
		}
	}
	if len(dataLines) == 0 {
		return
	}
	data := bytes.Join(dataLines, []byte("\n"))
	if !gjson.ValidBytes(data) {
		return
	}
	p.events++

	if e := gjson.GetBytes(data, "error"); e.IsObject() || bytes.Equal(name, []byte("error")) {
		msg := e.Get("message").String()
		if msg == "" {
			msg = "provider sent an error event"
		}
		p.errMsg = msg
		return
	}

	raw, found := p.cap.readUsage(data)
	if found {
		p.found = true
		// Providers repeat cumulative totals; keep the largest seen.
		for cat, n := range raw {
			if n > p.raw[cat] {
				p.raw[cat] = n
			}
		}
	}
	if p.model == "" {
		p.model = p.cap.ResponseModel(data)
	}
	if p.maxText > 0 && p.text.Len() < p.maxText {
		if t := p.cap.text(data); t != "" {
			if room := p.maxText - p.text.Len(); len(t) > room {
				t = t[:room]
			}
			p.text.WriteString(t)
		}
	}
}
