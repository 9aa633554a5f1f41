package broker

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/protocol"
)

var pongMessage = protocol.MustMessage(protocol.TypePong, nil)

// serve consumes one session's transport events until the transport is gone.
// Messages of a session are handled one at a time, in arrival order.
func (b *Broker[N]) serve(s *Session, mw Middleware) {
	defer b.wg.Done()

	logger := b.logger.With().Str("session_id", s.id).Logger()

	for ev := range s.transport.Events() {
		switch ev.Kind {
		case relaynet.EventMessage:
			b.dispatch(s, mw, logger, ev.Data)
		case relaynet.EventError:
			logger.Debug().Err(ev.Err).Msg("transport error")
			b.teardown(s)
		case relaynet.EventClose:
			logger.Debug().Int("code", ev.Code).Str("reason", ev.Reason).Msg("transport closed")
			b.teardown(s)
		}
	}

	b.teardown(s)
}

func (b *Broker[N]) dispatch(s *Session, mw Middleware, logger zerolog.Logger, raw []byte) {
	ctx, span := b.tracer.Start(context.Background(), "relaynet.dispatch",
		trace.WithAttributes(attribute.String("session.id", s.id)))
	defer span.End()

	if s.Quit() {
		b.metrics.dropped(DropQuit)
		_ = s.Close(relaynet.CloseInternalError, relaynet.ErrConnectionBroken)
		return
	}

	h := Helpers{
		Broadcast: b.Broadcast,
		Context:   b.Context(),
		Session:   s,
		Logger:    logger,
	}

	proceed, err := runMiddleware(ctx, mw, h)
	if err != nil {
		b.reportError(ctx, span, s, logger, StageMiddleware, err, "")
		return
	}
	if !proceed {
		b.metrics.dropped(DropVetoed)
		return
	}

	msg, ok := protocol.Decode(raw)
	if !ok {
		b.metrics.dropped(DropMalformed)
		logger.Debug().Int("bytes", len(raw)).Msg("dropping malformed message")
		return
	}
	span.SetAttributes(attribute.String("event.type", msg.Type))

	if msg.Type == protocol.TypePing {
		b.metrics.dispatched(msg.Type)
		if err := s.Send(ctx, pongMessage); err != nil {
			logger.Debug().Err(err).Msg("failed to send pong")
		}
		return
	}

	hd, ok := b.events.lookup(msg.Type)
	if !ok {
		b.metrics.dropped(DropUnknown)
		logger.Debug().Str("event", msg.Type).Msg("dropping unknown event")
		return
	}
	b.metrics.dispatched(msg.Type)

	var input any
	if hd.validate != nil {
		input, err = protect(func() (any, error) { return hd.validate(msg.Data) })
		if err != nil {
			b.reportError(ctx, span, s, logger, StageValidation, err, relaynet.ErrInvalidInput)
			return
		}
	}

	_, err = protect(func() (any, error) { return nil, hd.resolve(ctx, input, h) })
	if err != nil {
		b.reportError(ctx, span, s, logger, StageResolver, err, "")
	}
}

func (b *Broker[N]) reportError(ctx context.Context, span trace.Span, s *Session, logger zerolog.Logger, stage string, err error, message string) {
	b.metrics.failed(stage)
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	logger.Debug().Err(err).Str("stage", stage).Msg("reporting error to peer")

	if sendErr := relaynet.HandleError(ctx, s.transport, err, message); sendErr != nil {
		logger.Debug().Err(sendErr).Msg("failed to report error")
	}
}

func runMiddleware(ctx context.Context, mw Middleware, h Helpers) (proceed bool, err error) {
	if mw == nil {
		return true, nil
	}

	defer func() {
		if r := recover(); r != nil {
			proceed, err = false, panicError(r)
		}
	}()

	called := false
	if err := mw(ctx, h, func() { called = true }); err != nil {
		return false, err
	}
	return called, nil
}

func protect(fn func() (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, panicError(r)
		}
	}()
	return fn()
}
