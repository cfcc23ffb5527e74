package httproute

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/socketio-server-go/httpmsg"
)

// Filter returns middleware that offers each request to the router before
// next sees it. A matched request is answered with the handler's response and
// the connection is closed; anything else passes through untouched, with the
// request body still readable.
func (r *Router) Filter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.HasAny() {
			next.ServeHTTP(w, req)
			return
		}

		sig := Signature{Method: req.Method, Path: req.URL.Path}
		r.mu.RLock()
		_, matched := r.handlers[sig]
		r.mu.RUnlock()
		if !matched {
			next.ServeHTTP(w, req)
			return
		}

		body, err := readBody(w, req, r.maxBody)
		if err != nil {
			r.log.WarnContext(req.Context(), "router.body.fail",
				slog.String("signature", sig.String()),
				slog.String("err", err.Error()),
			)
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			_ = httpmsg.Write(w, httpmsg.New(status))
			return
		}

		resp := r.Dispatch(&Request{
			Signature: sig,
			Params:    NewParams(req.URL.Query()),
			Header:    req.Header.Clone(),
			Body:      NewBody(body),
		})
		if resp == nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, req)
			return
		}

		if err := httpmsg.Write(w, resp); err != nil {
			r.log.ErrorContext(req.Context(), "router.write.fail",
				slog.String("signature", sig.String()),
				slog.String("err", err.Error()),
			)
			return
		}
		r.log.DebugContext(req.Context(), "router.dispatch.ok",
			slog.String("signature", sig.String()),
			slog.Int("status", resp.Status),
		)
	})
}

func readBody(w http.ResponseWriter, req *http.Request, limit int64) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, req.Body, limit))
}
