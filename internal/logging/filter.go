package logging

import (
	"context"
	"log/slog"
	"strings"
)

// CallbackPath is the auth callback endpoint whose query string carries a
// broker auth code.
const CallbackPath = "/fyers/callback"

// filterHandler drops records whose message or string attributes contain
// any of the configured substrings.
type filterHandler struct {
	next       slog.Handler
	substrings []string
	// muted is set once an attribute bound through WithAttrs matched; every
	// record from that handler is then dropped.
	muted bool
}

// AccessFilter wraps next so that records mentioning any of substrings are
// suppressed. With no substrings it filters CallbackPath.
func AccessFilter(next slog.Handler, substrings ...string) slog.Handler {
	if len(substrings) == 0 {
		substrings = []string{CallbackPath}
	}
	return &filterHandler{next: next, substrings: substrings}
}

func (h *filterHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return !h.muted && h.next.Enabled(ctx, l)
}

func (h *filterHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.muted || h.matches(r.Message) {
		return nil
	}
	drop := false
	r.Attrs(func(a slog.Attr) bool {
		drop = h.matchesAttr(a)
		return !drop
	})
	if drop {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *filterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	muted := h.muted
	for _, a := range attrs {
		if muted {
			break
		}
		muted = h.matchesAttr(a)
	}
	return &filterHandler{next: h.next.WithAttrs(attrs), substrings: h.substrings, muted: muted}
}

func (h *filterHandler) WithGroup(name string) slog.Handler {
	return &filterHandler{next: h.next.WithGroup(name), substrings: h.substrings, muted: h.muted}
}

func (h *filterHandler) matches(s string) bool {
	for _, sub := range h.substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (h *filterHandler) matchesAttr(a slog.Attr) bool {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return h.matches(v.String())
	case slog.KindGroup:
		for _, ga := range v.Group() {
			if h.matchesAttr(ga) {
				return true
			}
		}
	}
	return false
}
