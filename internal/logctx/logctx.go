package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates an slog.Handler so that records emitted with a
// router-aware context automatically carry realm, session, and message
// attributes. Wrap the process default handler once at startup:
//
//	slog.SetDefault(slog.New(logctx.Handler{Handler: base}))
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(realmDataKey{}).(*RealmData); ok {
		r.AddAttrs(slog.Group("realm",
			slog.String("uri", rd.URI),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.Uint64("id", sd.SessionID),
			slog.String("authid", sd.AuthID),
			slog.String("authrole", sd.AuthRole),
		))
	}

	if md, ok := ctx.Value(messageDataKey{}).(*MessageData); ok {
		r.AddAttrs(slog.Group("msg",
			slog.String("type", md.Type),
			slog.String("uri", md.URI),
		))
	}

	if ld, ok := ctx.Value(linkDataKey{}).(*LinkData); ok {
		r.AddAttrs(slog.Group("rlink",
			slog.String("id", ld.LinkID),
			slog.String("realm", ld.Realm),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type realmDataKey struct{}

type RealmData struct {
	URI string
}

func WithRealmData(ctx context.Context, data *RealmData) context.Context {
	return context.WithValue(ctx, realmDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID uint64
	AuthID    string
	AuthRole  string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type messageDataKey struct{}

type MessageData struct {
	Type string
	URI  string
}

func WithMessageData(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, messageDataKey{}, data)
}

type linkDataKey struct{}

type LinkData struct {
	LinkID string
	Realm  string
}

func WithLinkData(ctx context.Context, data *LinkData) context.Context {
	return context.WithValue(ctx, linkDataKey{}, data)
}
