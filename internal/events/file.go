package events

import (
	"context"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"forgeline/internal/domain"
	"forgeline/internal/logging"
)

// FileSink writes one JSON line per timeline entry.
type FileSink struct {
	logger *zap.Logger
	closer io.Closer
}

// NewFileSink opens a rotated JSON-lines file at path.
func NewFileSink(path string) *FileSink {
	w := logging.Rotating(path, 0, 0, 0)
	return newFileSink(zapcore.AddSync(w), w)
}

// NewWriterSink writes to an arbitrary writer; used by tests and `fl run start --follow`.
func NewWriterSink(w io.Writer) *FileSink {
	return newFileSink(zapcore.AddSync(w), nil)
}

func newFileSink(ws zapcore.WriteSyncer, closer io.Closer) *FileSink {
	encCfg := zapcore.EncoderConfig{
		MessageKey:  "message",
		LineEnding:  zapcore.DefaultLineEnding,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, zapcore.DebugLevel)
	return &FileSink{logger: zap.New(core), closer: closer}
}

func (s *FileSink) Emit(_ context.Context, runID string, e domain.TimelineEntry) error {
	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.Int64("seq", e.Seq),
		zap.String("timestamp", e.Timestamp),
		zap.String("phase", string(e.Phase)),
		zap.String("level", string(e.Level)),
	}
	if e.State != "" {
		fields = append(fields, zap.String("state", string(e.State)))
	}
	if e.TicketID != "" {
		fields = append(fields, zap.String("ticket_id", e.TicketID))
	}
	if len(e.Data) > 0 {
		fields = append(fields, zap.Any("data", e.Data))
	}
	s.logger.Info(e.Message, fields...)
	return nil
}

func (s *FileSink) Close() error {
	_ = s.logger.Sync()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
