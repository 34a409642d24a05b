package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/krau/clipworker/cache"
	"github.com/krau/clipworker/metrics"
	"github.com/krau/clipworker/service"
	"go.uber.org/zap"
)

func (s *Server) handleImage(ctx context.Context, job Job) {
	sess, ok := s.requireSession(job)
	if !ok {
		return
	}
	var data ImageData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		s.fail(job, "invalid image-embed data", err)
		metrics.RecordJob(job.Event, "error")
		return
	}
	if len(data.Filepaths) == 0 {
		s.emitLog(LogEntry{Level: "info", Msg: "no filepaths, nothing to embed", MsgID: job.MsgID, Event: job.Event})
		metrics.RecordJob(job.Event, "ok")
		return
	}

	paths := make([]service.ImagePath, len(data.Filepaths))
	for i, p := range data.Filepaths {
		paths[i] = service.ImagePath(p)
	}

	ctx, cancel := s.jobContext(ctx)
	defer cancel()

	loader := service.NewLoader(paths, sess.BatchSize, s.decoder, service.WithWorkers(s.cfg.Workers))
	batches, err := loader.Batches(ctx)
	if err != nil {
		s.fail(job, "failed to start loader", err)
		metrics.RecordJob(job.Event, "error")
		return
	}

	emitted := 0
	last := time.Now()
	for batch := range batches {
		afterDecode := time.Now()
		timeDecode := afterDecode.Sub(last)

		res, err := service.EncodeBatch(ctx, sess.Encoder, batch)
		if err != nil {
			if ctx.Err() != nil {
				// Reported below as a timeout or cancellation.
				break
			}
			s.fail(job, fmt.Sprintf("image batch %d failed", batch.Index), err)
			metrics.RecordJob(job.Event, "error")
			return
		}
		metrics.RecordDecodeLatency(timeDecode)
		if n := len(res.Failed); n > 0 {
			metrics.RecordDecodeFailures(n)
		}
		if n := len(batch.Items) - len(res.Failed); n > 0 {
			metrics.RecordInferenceBatch(n)
			metrics.RecordInferenceLatency("image", res.Inference)
		}

		now := time.Now()
		err = s.emitResult(job, ImageResultData{
			Vectors:    res.Vectors,
			BatchIndex: batch.Index,
			Time:       now.Sub(last).Seconds(),
			TimeDecode: round2(timeDecode.Seconds()),
			TimeAI:     round2(res.Inference.Seconds()),
			Failed:     res.Failed,
		})
		if err != nil {
			metrics.RecordJob(job.Event, "error")
			return
		}
		emitted++
		last = now
	}

	if err := ctx.Err(); err != nil {
		msg := "image job cancelled"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "image job timed out"
		}
		s.fail(job, fmt.Sprintf("%s after %d of %d batches", msg, emitted, loader.NumBatches()), err)
		metrics.RecordJob(job.Event, "error")
		return
	}
	metrics.RecordJob(job.Event, "ok")
}

func (s *Server) handleText(ctx context.Context, job Job) {
	sess, ok := s.requireSession(job)
	if !ok {
		return
	}
	var data TextData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		s.fail(job, "invalid text-embed data", err)
		metrics.RecordJob(job.Event, "error")
		return
	}

	ctx, cancel := s.jobContext(ctx)
	defer cancel()

	start := time.Now()
	vectors, err := s.embedTexts(ctx, sess, data.Text)
	if err != nil {
		s.fail(job, "text embedding failed", err)
		metrics.RecordJob(job.Event, "error")
		return
	}
	elapsed := time.Since(start)

	if err := s.emitResult(job, TextResultData{Vectors: vectors, Time: round2(elapsed.Seconds())}); err != nil {
		metrics.RecordJob(job.Event, "error")
		return
	}
	metrics.RecordJob(job.Event, "ok")
}

// embedTexts serves what it can from the cache and encodes the rest in one
// encoder call.
func (s *Server) embedTexts(ctx context.Context, sess *Session, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missing []string
	var slots []int
	for i, text := range texts {
		if vec, ok := s.cached(ctx, sess.Model, text); ok {
			vectors[i] = vec
			continue
		}
		missing = append(missing, text)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	start := time.Now()
	encoded, err := service.EncodeTexts(ctx, sess.Encoder, missing)
	if err != nil {
		return nil, err
	}
	metrics.RecordInferenceLatency("text", time.Since(start))

	for j, vec := range encoded {
		vectors[slots[j]] = vec
		if s.cache != nil {
			if err := s.cache.Set(ctx, cache.Key(sess.Model, missing[j]), vec); err != nil {
				s.logger.Warn("text cache write failed", zap.Error(err))
			}
		}
	}
	return vectors, nil
}

func (s *Server) cached(ctx context.Context, model, text string) ([]float32, bool) {
	if s.cache == nil {
		return nil, false
	}
	vec, ok, err := s.cache.Get(ctx, cache.Key(model, text))
	if err != nil {
		s.logger.Warn("text cache read failed", zap.Error(err))
		return nil, false
	}
	metrics.RecordCacheLookup(ok)
	return vec, ok
}
