// Package worker serves inference requests over a transport connection.
// A worker owns at most one engine, built when it receives Initialize.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tutortoise/landmark-tracking-service/engine"
	"github.com/Tutortoise/landmark-tracking-service/logging"
	"github.com/Tutortoise/landmark-tracking-service/protocol"
	"github.com/Tutortoise/landmark-tracking-service/transport"
)

type Worker struct {
	factory engine.Factory
	logger  *zap.Logger
}

func New(factory engine.Factory, logger *zap.Logger) *Worker {
	return &Worker{factory: factory, logger: logging.OrNop(logger)}
}

// Serve handles messages from conn one at a time until ctx is done or the
// connection closes. A closed connection is a normal exit.
func (w *Worker) Serve(ctx context.Context, conn transport.Conn) error {
	s := &session{worker: w, conn: conn, logger: w.logger}
	defer s.close()

	for {
		m, err := conn.Receive(ctx)
		if err != nil {
			var frameErr *transport.DecodeFrameError
			switch {
			case errors.As(err, &frameErr):
				s.logger.Warn("dropping undecodable message", zap.Error(err))
				continue
			case errors.Is(err, transport.ErrClosed), ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("receive: %w", err)
			}
		}
		if err := s.handle(ctx, m); err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

type session struct {
	worker    *Worker
	conn      transport.Conn
	logger    *zap.Logger
	id        string
	processor *Processor
}

func (s *session) handle(ctx context.Context, m protocol.Message) error {
	switch msg := m.(type) {
	case protocol.Initialize:
		return s.initialize(ctx, msg)
	case protocol.Predict:
		return s.predict(ctx, msg)
	case protocol.Initialized, protocol.InitFailed, protocol.Predicted, protocol.NotReady:
		s.logger.Warn("ignoring response-only message", zap.String("kind", string(m.Kind())))
		return nil
	default:
		return fmt.Errorf("unexpected message %T", m)
	}
}

func (s *session) initialize(ctx context.Context, msg protocol.Initialize) error {
	s.close()

	eng, err := s.worker.factory(msg.Config)
	if err != nil {
		s.logger.Error("engine init failed", zap.String("model", msg.Config.ModelPath), zap.Error(err))
		return s.conn.Send(ctx, protocol.InitFailed{Reason: err.Error()})
	}
	p, err := NewProcessor(eng, msg.Config.Operation)
	if err != nil {
		_ = eng.Close()
		return s.conn.Send(ctx, protocol.InitFailed{Reason: err.Error()})
	}

	s.processor = p
	s.id = uuid.NewString()
	s.logger = s.worker.logger.With(zap.String("session", s.id))
	s.logger.Info("engine initialized",
		zap.String("operation", string(msg.Config.Operation)),
		zap.String("model", msg.Config.ModelPath))
	return s.conn.Send(ctx, protocol.Initialized{SessionID: s.id})
}

func (s *session) predict(ctx context.Context, msg protocol.Predict) error {
	if s.processor == nil {
		return s.conn.Send(ctx, protocol.NotReady{UID: msg.UID})
	}

	resp := protocol.Predicted{UID: msg.UID}
	records, err := s.processor.Process(ctx, msg.Frame(), msg.Params)
	if err != nil {
		s.logger.Debug("predict failed", zap.Float64("uid", msg.UID), zap.Error(err))
		resp.Error = err.Error()
	} else {
		resp.Detections = records
	}
	err = s.conn.Send(ctx, resp)
	var encErr *protocol.EncodeError
	if errors.As(err, &encErr) {
		// the frame fails, the session does not
		s.logger.Warn("predict result not encodable", zap.Float64("uid", msg.UID), zap.Error(err))
		return s.conn.Send(ctx, protocol.Predicted{UID: msg.UID, Error: err.Error()})
	}
	return err
}

func (s *session) close() {
	if s.processor == nil {
		return
	}
	if err := s.processor.Close(); err != nil {
		s.logger.Warn("engine close", zap.Error(err))
	}
	s.processor = nil
}
