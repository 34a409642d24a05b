package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/krau/clipworker/metrics"
	"github.com/krau/clipworker/service"
	"go.uber.org/zap"
)

// Session is the state created by start and used by every embedding job.
type Session struct {
	Encoder   service.Encoder
	Model     string
	Device    string
	BatchSize int
	LoadedAt  time.Time
}

func (s *Session) Close() error {
	if s.Encoder == nil {
		return nil
	}
	return s.Encoder.Close()
}

// startParams fills the fields start omitted from the configuration.
func (s *Server) startParams(raw json.RawMessage) (StartData, error) {
	var data StartData
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &data); err != nil {
			return data, fmt.Errorf("invalid start data: %w", err)
		}
	}
	if data.ModelClip == "" {
		data.ModelClip = s.cfg.ModelClip
	}
	if data.Device == "" {
		data.Device = s.cfg.Device
	}
	if data.BatchSize <= 0 {
		data.BatchSize = s.cfg.BatchSize
	}
	return data, nil
}

// handleStart loads the requested model. A previous session stays usable
// until the new model has loaded, then its encoder is closed.
func (s *Server) handleStart(_ context.Context, job Job) {
	data, err := s.startParams(job.Data)
	if err != nil {
		s.fail(job, "start rejected", err)
		metrics.RecordJob(EventStart, "error")
		return
	}

	start := time.Now()
	enc, err := s.backend.Load(data.ModelClip, data.Device)
	if err != nil {
		s.fail(job, fmt.Sprintf("failed to load %s on %s", data.ModelClip, data.Device), err)
		metrics.RecordJob(EventStart, "error")
		return
	}
	elapsed := time.Since(start)

	if s.session != nil {
		if err := s.session.Close(); err != nil {
			s.logger.Warn("failed to close previous encoder", zap.String("model", s.session.Model), zap.Error(err))
		}
	}
	s.session = &Session{
		Encoder:   enc,
		Model:     data.ModelClip,
		Device:    data.Device,
		BatchSize: data.BatchSize,
		LoadedAt:  time.Now(),
	}
	metrics.SetReady(true)
	metrics.RecordJob(EventStart, "ok")

	s.logger.Info("session ready",
		zap.String("model", data.ModelClip),
		zap.String("device", data.Device),
		zap.Int("batch_size", data.BatchSize),
		zap.Duration("elapsed", elapsed))
	s.emitLog(fmt.Sprintf("Init complete of %s on %s in %.2fs", data.ModelClip, data.Device, elapsed.Seconds()))
}

// requireSession rejects embedding jobs that arrive before start.
func (s *Server) requireSession(job Job) (*Session, bool) {
	if s.session != nil {
		return s.session, true
	}
	s.fail(job, fmt.Sprintf("%s job %q received before start", job.Event, job.MsgID), ErrNoSession)
	metrics.RecordJob(job.Event, "rejected")
	return nil, false
}
