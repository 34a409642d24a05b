package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/krau/clipworker/cache"
	"github.com/krau/clipworker/config"
	"github.com/krau/clipworker/metrics"
	"github.com/krau/clipworker/service"
	"go.uber.org/zap"
)

// Version is reported in the startup log record.
var Version = "dev"

// MaxLineSize bounds a single input line.
const MaxLineSize = 16 << 20

var ErrNoSession = errors.New("no model loaded, send start first")

var errLineTooLong = errors.New("input line too long")

// Server runs the protocol loop: one job at a time, read from an input
// stream, with every record written through one Emitter.
type Server struct {
	cfg     config.Config
	backend service.Backend
	out     *Emitter
	logger  *zap.Logger
	decoder *service.Decoder
	cache   cache.VectorCache
	session *Session
	maxLine int
}

type Option func(*Server)

// WithCache enables text embedding caching.
func WithCache(c cache.VectorCache) Option {
	return func(s *Server) { s.cache = c }
}

// WithRegistry overrides the image decoder registry.
func WithRegistry(r *service.Registry) Option {
	return func(s *Server) { s.decoder = service.NewDecoder(r, s.cfg.ImageSize, s.logger) }
}

func New(cfg config.Config, backend service.Backend, out io.Writer, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		backend: backend,
		out:     NewEmitter(out),
		logger:  logger,
		maxLine: MaxLineSize,
	}
	s.decoder = service.NewDecoder(nil, cfg.ImageSize, logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session returns the loaded session, or nil before the first start.
func (s *Server) Session() *Session {
	return s.session
}

// Run announces the worker and handles lines from in until end of stream or
// until ctx is done.
func (s *Server) Run(ctx context.Context, in io.Reader) error {
	s.announce()

	r := bufio.NewReaderSize(in, 64*1024)
	for {
		line, err := readLine(r, s.maxLine)
		if errors.Is(err, errLineTooLong) {
			s.logger.Warn("skipping oversized input line", zap.Int("limit", s.maxLine))
			s.emitLog(LogEntry{Level: "error", Msg: "oversized input line skipped", Error: fmt.Sprintf("%v: limit is %d bytes", err, s.maxLine)})
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(line) == 0 {
			continue
		}
		s.Handle(ctx, line)
	}
}

// readLine returns the next line without its line ending. A line longer than
// limit is read through to its newline and reported as errLineTooLong, so the
// following line is unaffected. io.EOF is returned only once the input is
// exhausted.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(bytes.TrimRight(line, "\r\n")) > limit {
				tooLong = true
				line = nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		switch {
		case tooLong:
			return nil, errLineTooLong
		case err != nil && len(line) == 0:
			return nil, io.EOF
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}
}

func (s *Server) announce() {
	models, err := s.backend.AvailableModels()
	if err != nil {
		s.logger.Warn("failed to list models", zap.Error(err))
		models = []string{}
	}
	s.emitLog(map[string]any{
		"versions": map[string]any{
			"go":         runtime.Version(),
			"clipworker": Version,
			"models":     models,
		},
	})
	s.emitLog(map[string]any{
		"msg": "Initialising worker",
		"pid": os.Getpid(),
	})
}

// Handle parses and runs one job line.
func (s *Server) Handle(ctx context.Context, line []byte) {
	var job Job
	if err := json.Unmarshal(line, &job); err != nil {
		s.logger.Warn("skipping malformed input line", zap.Error(err), zap.Int("bytes", len(line)))
		s.emitLog(LogEntry{Level: "error", Msg: "malformed input line skipped", Error: err.Error()})
		return
	}
	if job.Event == "" {
		s.logger.Warn("skipping job without event", zap.String("msgid", job.MsgID))
		s.emitLog(LogEntry{Level: "error", Msg: "job has no event", MsgID: job.MsgID})
		return
	}

	switch {
	case job.Event == EventStart:
		s.handleStart(ctx, job)
	case isImageEvent(job.Event):
		s.handleImage(ctx, job)
	case isTextEvent(job.Event):
		s.handleText(ctx, job)
	default:
		s.logger.Warn("unknown event", zap.String("event", job.Event), zap.String("msgid", job.MsgID))
		s.emitLog(LogEntry{Level: "warn", Msg: fmt.Sprintf("unknown event %q ignored", job.Event), MsgID: job.MsgID, Event: job.Event})
		metrics.RecordJob(job.Event, "rejected")
	}
}

// Close releases the loaded encoder.
func (s *Server) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	metrics.SetReady(false)
	return err
}

func (s *Server) emitLog(data any) {
	if err := s.out.Log(data); err != nil {
		s.logger.Error("failed to write log record", zap.Error(err))
	}
}

func (s *Server) emitResult(job Job, data any) error {
	if err := s.out.Result(job.MsgID, job.Event, data); err != nil {
		s.logger.Error("failed to write result", zap.String("msgid", job.MsgID), zap.Error(err))
		return err
	}
	return nil
}

// fail reports a job-level error on both the output stream and stderr.
func (s *Server) fail(job Job, msg string, err error) {
	s.logger.Error(msg, zap.String("msgid", job.MsgID), zap.String("event", job.Event), zap.Error(err))
	entry := LogEntry{Level: "error", Msg: msg, MsgID: job.MsgID, Event: job.Event}
	if err != nil {
		entry.Error = err.Error()
	}
	s.emitLog(entry)
}

func (s *Server) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.JobTimeoutSeconds > 0 {
		return context.WithTimeout(ctx, s.cfg.JobTimeout())
	}
	return context.WithCancel(ctx)
}
