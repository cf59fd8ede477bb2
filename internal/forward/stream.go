package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/llmrelay/relay/internal/apierr"
	"github.com/llmrelay/relay/internal/providers"
)

const (
	streamReadSize = 32 << 10
	// parserQueue bounds chunks waiting for the usage parser.
	parserQueue = 64
)

// stream relays the upstream event stream byte for byte while a separate
// goroutine parses a copy for usage, model and text.
func (e *Engine) stream(bg, ctx context.Context, w *trackingWriter, r *http.Request, c *call, resp *http.Response, cancel context.CancelFunc) {
	c.transition(StateStreaming)

	h := w.Header()
	copyResponseHeaders(h, resp.Header)
	h.Del("Content-Length")
	h.Set(HeaderProvider, c.provider)
	if c.model != "" {
		h.Set(HeaderModel, c.model)
	}
	w.WriteHeader(resp.StatusCode)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	chunks := make(chan []byte, parserQueue)
	parsed := make(chan providers.StreamResult, 1)
	closeChunks := sync.OnceFunc(func() { close(chunks) })
	defer closeChunks()
	go parseStream(providers.NewStreamParser(c.cap, providers.DefaultMaxText), chunks, parsed, c.logger)

	var (
		streamErr    *apierr.Error
		disconnected bool
		total        int64
		buf          = make([]byte, streamReadSize)
	)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if e.cfg.MaxStreamBytes > 0 && total > e.cfg.MaxStreamBytes {
				streamErr = apierr.Newf(apierr.KindStreamError, "stream exceeded %d bytes", e.cfg.MaxStreamBytes)
				break
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if _, werr := w.Write(chunk); werr != nil {
				streamErr = apierr.New(apierr.KindStreamError, "client disconnected")
				disconnected = true
				break
			}
			_ = rc.Flush()
			chunks <- chunk
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			switch {
			case r.Context().Err() != nil:
				streamErr = apierr.New(apierr.KindStreamError, "client disconnected")
				disconnected = true
			case ctx.Err() != nil:
				streamErr = apierr.Stream(ctx.Err())
			default:
				streamErr = apierr.Stream(rerr)
			}
			break
		}
	}
	// Abandon the upstream call on any early exit.
	cancel()
	closeChunks()
	res := <-parsed

	if streamErr == nil && res.ProviderError != "" {
		streamErr = apierr.New(apierr.KindStreamError, "provider error: "+res.ProviderError)
	}

	usage, estimated := res.Usage, false
	if usage.OutputTokens == 0 && res.Text != "" {
		usage.OutputTokens = e.d.Estimator.Count(res.Text)
		estimated = true
	}

	o := outcome{
		statusCode: resp.StatusCode,
		model:      res.Model,
		usage:      usage,
		estimated:  estimated,
		content:    res.Text,
	}
	if streamErr != nil {
		o.err = e.decorate(c, streamErr)
		// The provider's own error event already ended the stream; any
		// other failure gets a synthetic terminal event.
		if !disconnected && res.ProviderError == "" {
			if _, err := w.Write(apierr.MarshalEvent(o.err)); err == nil {
				_ = rc.Flush()
			}
		}
	}
	e.finalize(bg, c, o)
	c.logger.Debug("stream closed", "bytes", total, "events", res.Events, "usage_found", res.UsageFound)
}

type streamParser interface {
	Feed(chunk []byte)
	Finish() providers.StreamResult
}

// parseStream feeds chunks to p until chunks is closed and delivers exactly
// one result. A parser panic yields an empty result and the remaining chunks
// are drained so the relay loop never blocks.
func parseStream(p streamParser, chunks <-chan []byte, parsed chan<- providers.StreamResult, logger *slog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("stream parser panic", "panic", rec)
			for range chunks {
			}
			parsed <- providers.StreamResult{}
		}
	}()
	for chunk := range chunks {
		p.Feed(chunk)
	}
	parsed <- p.Finish()
}

// hop-by-hop and framing headers not copied from the upstream response.
var skippedResponseHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Trailer":           true,
	"Upgrade":           true,
	"Proxy-Connection":  true,
	"Content-Length":    true,
	"Set-Cookie":        true,
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		if skippedResponseHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
