package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/krau/clipworker/cache"
	"github.com/krau/clipworker/config"
	"github.com/krau/clipworker/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type outRecord struct {
	MsgID *string         `json:"msgid"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type harness struct {
	t       *testing.T
	backend *service.MockBackend
	server  *Server
	out     *bytes.Buffer
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.ImageSize = 8
	cfg.Workers = 2
	backend := service.NewMockBackend()
	out := &bytes.Buffer{}
	s := New(cfg, backend, out, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() { s.Close() })
	return &harness{t: t, backend: backend, server: s, out: out}
}

// run feeds lines through the protocol loop and returns every record
// written after the two startup logs.
func (h *harness) run(lines ...string) []outRecord {
	h.t.Helper()
	h.out.Reset()
	require.NoError(h.t, h.server.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n"))))
	recs := decodeRecords(h.t, h.out.Bytes())
	require.GreaterOrEqual(h.t, len(recs), 2)
	return recs[2:]
}

func decodeRecords(t *testing.T, b []byte) []outRecord {
	t.Helper()
	var recs []outRecord
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var r outRecord
		require.NoError(t, json.Unmarshal(line, &r), string(line))
		recs = append(recs, r)
	}
	return recs
}

func results(recs []outRecord) []outRecord {
	var out []outRecord
	for _, r := range recs {
		if r.Event != EventLog {
			out = append(out, r)
		}
	}
	return out
}

func logEntries(t *testing.T, recs []outRecord) []LogEntry {
	t.Helper()
	var out []LogEntry
	for _, r := range recs {
		if r.Event != EventLog || r.Data[0] != '{' {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal(r.Data, &e))
		out = append(out, e)
	}
	return out
}

func imageResult(t *testing.T, r outRecord) ImageResultData {
	t.Helper()
	var d ImageResultData
	require.NoError(t, json.Unmarshal(r.Data, &d))
	return d
}

func job(msgid, event string, data any) string {
	b, err := json.Marshal(map[string]any{"msgid": msgid, "event": event, "data": data})
	if err != nil {
		panic(err)
	}
	return string(b)
}

func startJob(batchSize int) string {
	return job("", EventStart, map[string]any{"model_clip": "mock", "device": "cpu", "batch_size": batchSize})
}

func writeImage(t *testing.T, dir, name string, red uint8) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 10, 12))
	for y := range 12 {
		for x := range 10 {
			img.SetNRGBA(x, y, color.NRGBA{R: red, A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestRun_startupRecords(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.server.Run(context.Background(), strings.NewReader("")))
	recs := decodeRecords(t, h.out.Bytes())
	require.Len(t, recs, 2)

	for _, r := range recs {
		assert.Equal(t, EventLog, r.Event)
		assert.Nil(t, r.MsgID)
	}
	var versions struct {
		Versions struct {
			Go     string   `json:"go"`
			Models []string `json:"models"`
		} `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(recs[0].Data, &versions))
	assert.NotEmpty(t, versions.Versions.Go)
	assert.Equal(t, []string{"mock"}, versions.Versions.Models)

	var hello struct {
		Msg string `json:"msg"`
		Pid int    `json:"pid"`
	}
	require.NoError(t, json.Unmarshal(recs[1].Data, &hello))
	assert.Equal(t, "Initialising worker", hello.Msg)
	assert.Equal(t, os.Getpid(), hello.Pid)
}

func TestStart_defaultsFromConfig(t *testing.T) {
	h := newHarness(t)
	recs := h.run(job("", EventStart, map[string]any{}))

	require.Len(t, recs, 1)
	var msg string
	require.NoError(t, json.Unmarshal(recs[0].Data, &msg))
	assert.True(t, strings.HasPrefix(msg, "Init complete of ViT-L/14 on cpu in "), msg)
	assert.True(t, strings.HasSuffix(msg, "s"), msg)

	assert.Equal(t, [][2]string{{"ViT-L/14", "cpu"}}, h.backend.Loads)
	require.NotNil(t, h.server.Session())
	assert.Equal(t, 64, h.server.Session().BatchSize)
}

func TestStart_reloadClosesPreviousEncoder(t *testing.T) {
	h := newHarness(t)
	h.run(startJob(2))
	first := h.backend.Last

	h.run(job("", EventStart, map[string]any{"model_clip": "other", "device": "cuda", "batch_size": 4}))
	assert.True(t, first.Closed)
	assert.False(t, h.backend.Last.Closed)
	assert.Equal(t, "other", h.server.Session().Model)
	assert.Equal(t, 4, h.server.Session().BatchSize)
}

func TestStart_loadFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.run(startJob(2))
	first := h.backend.Last

	h.backend.LoadErr = fmt.Errorf("no such model")
	recs := h.run(job("", EventStart, map[string]any{"model_clip": "missing"}))

	entries := logEntries(t, recs)
	require.Len(t, entries, 1)
	assert.Equal(t, "error", entries[0].Level)
	assert.Contains(t, entries[0].Error, "no such model")
	assert.False(t, first.Closed)
	assert.Equal(t, "mock", h.server.Session().Model)
}

func TestImageEmbed_batchesInOrder(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t)
	paths := []string{
		writeImage(t, dir, "a.png", 0),
		writeImage(t, dir, "b.png", 51),
		writeImage(t, dir, "c.png", 255),
	}

	recs := results(h.run(startJob(2), job("job-1", EventImageEmbed, map[string]any{"filepaths": paths})))
	require.Len(t, recs, 2)

	wantRed := [][]float32{{0, 0.2}, {1}}
	for i, r := range recs {
		require.NotNil(t, r.MsgID)
		assert.Equal(t, "job-1", *r.MsgID)
		assert.Equal(t, EventImageEmbed, r.Event)

		d := imageResult(t, r)
		assert.Equal(t, i, d.BatchIndex)
		require.Len(t, d.Vectors, len(wantRed[i]))
		for j, v := range d.Vectors {
			assert.InDelta(t, wantRed[i][j], v[0], 1e-6)
		}
		assert.Empty(t, d.Failed)
		assert.GreaterOrEqual(t, d.Time, 0.0)
		assert.Equal(t, round2(d.TimeDecode), d.TimeDecode)
		assert.Equal(t, round2(d.TimeAI), d.TimeAI)
	}
	assert.Equal(t, 2, h.backend.Last.ImageCalls)
}

func TestImageEmbed_resultCountIsCeil(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := range 7 {
		paths = append(paths, writeImage(t, dir, fmt.Sprintf("%d.png", i), uint8(i)))
	}
	for _, bs := range []int{1, 3, 7, 10} {
		t.Run(fmt.Sprintf("batch=%d", bs), func(t *testing.T) {
			h := newHarness(t)
			recs := results(h.run(startJob(bs), job("x", EventImageEmbed, map[string]any{"filepaths": paths})))
			require.Len(t, recs, (len(paths)+bs-1)/bs)
			total := 0
			for i, r := range recs {
				d := imageResult(t, r)
				assert.Equal(t, i, d.BatchIndex)
				total += len(d.Vectors)
			}
			assert.Equal(t, len(paths), total)
		})
	}
}

func TestImageEmbed_corruptFileKeepsPosition(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(corrupt, []byte("not an image"), 0o644))
	valid := writeImage(t, dir, "good.png", 255)

	h := newHarness(t)
	recs := results(h.run(startJob(2), job("j", EventImageEmbed, map[string]any{"filepaths": []string{corrupt, valid}})))
	require.Len(t, recs, 1)

	d := imageResult(t, recs[0])
	require.Len(t, d.Vectors, 2)
	assert.Nil(t, d.Vectors[0])
	require.NotNil(t, d.Vectors[1])
	assert.InDelta(t, 1.0, d.Vectors[1][0], 1e-6)
	assert.Equal(t, []int{0}, d.Failed)
	assert.Contains(t, string(recs[0].Data), `"vectors":[null,[`)
}

func TestImageEmbed_missingFileDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t)
	paths := []string{
		writeImage(t, dir, "a.png", 10),
		filepath.Join(dir, "gone.png"),
		writeImage(t, dir, "c.png", 30),
	}
	recs := results(h.run(startJob(1), job("j", EventImageEmbed, map[string]any{"filepaths": paths})))
	require.Len(t, recs, 3)

	assert.NotNil(t, imageResult(t, recs[0]).Vectors[0])
	second := imageResult(t, recs[1])
	assert.Equal(t, [][]float32{nil}, second.Vectors)
	assert.Equal(t, []int{1}, second.Failed)
	assert.NotNil(t, imageResult(t, recs[2]).Vectors[0])
}

func TestImageEmbed_aliasEchoesEvent(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t)
	path := writeImage(t, dir, "a.png", 1)
	recs := results(h.run(startJob(2), job("j", EventClipifyImage, map[string]any{"filepaths": []string{path}})))
	require.Len(t, recs, 1)
	assert.Equal(t, EventClipifyImage, recs[0].Event)
}

func TestImageEmbed_emptyFilepaths(t *testing.T) {
	h := newHarness(t)
	recs := h.run(startJob(2), job("empty", EventImageEmbed, map[string]any{"filepaths": []string{}}))
	assert.Empty(t, results(recs))
	entries := logEntries(t, recs)
	require.Len(t, entries, 1)
	assert.Equal(t, "empty", entries[0].MsgID)
}

func TestImageEmbed_beforeStart(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t)
	path := writeImage(t, dir, "a.png", 1)

	recs := h.run(
		job("early-1", EventImageEmbed, map[string]any{"filepaths": []string{path}}),
		startJob(2),
		job("later", EventTextEmbed, map[string]any{"text": "still alive"}),
	)

	entries := logEntries(t, recs)
	require.NotEmpty(t, entries)
	assert.Equal(t, "error", entries[0].Level)
	assert.Equal(t, "early-1", entries[0].MsgID)
	assert.Contains(t, entries[0].Msg, "early-1")
	assert.Contains(t, entries[0].Error, ErrNoSession.Error())

	res := results(recs)
	require.Len(t, res, 1)
	assert.Equal(t, "later", *res[0].MsgID)
}

func TestImageEmbed_encoderFailure(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t)
	path := writeImage(t, dir, "a.png", 1)

	h.run(startJob(2))
	h.backend.Last.SetError("shape mismatch")
	recs := h.run(
		job("boom", EventImageEmbed, map[string]any{"filepaths": []string{path, path, path}}),
	)
	assert.Empty(t, results(recs))
	entries := logEntries(t, recs)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].MsgID)
	assert.Contains(t, entries[0].Error, "shape mismatch")
	assert.Equal(t, 1, h.backend.Last.ImageCalls, "job stops at the first failed batch")

	h.backend.Last.ClearError()
	recs = h.run(job("ok", EventImageEmbed, map[string]any{"filepaths": []string{path}}))
	assert.Len(t, results(recs), 1)
}

func TestImageEmbed_cancelled(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t)
	path := writeImage(t, dir, "a.png", 1)
	h.run(startJob(1))
	h.out.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.server.Handle(ctx, []byte(job("late", EventImageEmbed, map[string]any{"filepaths": []string{path, path}})))

	recs := decodeRecords(t, h.out.Bytes())
	assert.Empty(t, results(recs))
	entries := logEntries(t, recs)
	require.Len(t, entries, 1)
	assert.Equal(t, "late", entries[0].MsgID)
	assert.Equal(t, 0, h.backend.Last.ImageCalls)
}

func TestTextEmbed_single(t *testing.T) {
	h := newHarness(t)
	recs := results(h.run(startJob(2), job("t", EventTextEmbed, map[string]any{"text": "a photo of a cat"})))
	require.Len(t, recs, 1)
	assert.Equal(t, "t", *recs[0].MsgID)

	var d TextResultData
	require.NoError(t, json.Unmarshal(recs[0].Data, &d))
	require.Len(t, d.Vectors, 1)
	assert.Len(t, d.Vectors[0], 8)
	assert.Equal(t, round2(d.Time), d.Time)
}

func TestTextEmbed_listAndIdempotence(t *testing.T) {
	h := newHarness(t)
	texts := []string{"a photo of a cat", "a beautiful sunset"}
	recs := results(h.run(
		startJob(2),
		job("1", EventClipifyText, map[string]any{"text": texts}),
		job("2", EventClipifyText, map[string]any{"text": texts}),
	))
	require.Len(t, recs, 2)
	assert.Equal(t, EventClipifyText, recs[0].Event)

	var a, b TextResultData
	require.NoError(t, json.Unmarshal(recs[0].Data, &a))
	require.NoError(t, json.Unmarshal(recs[1].Data, &b))
	require.Len(t, a.Vectors, 2)
	assert.Equal(t, a.Vectors, b.Vectors)
	assert.NotEqual(t, a.Vectors[0], a.Vectors[1])
}

func TestTextEmbed_cacheSkipsEncoder(t *testing.T) {
	h := newHarness(t, WithCache(cache.NewLRU(16)))
	h.run(startJob(2))

	recs := results(h.run(
		job("1", EventTextEmbed, map[string]any{"text": "a photo of a cat"}),
		job("2", EventTextEmbed, map[string]any{"text": []string{"a dog", "a photo of a cat"}}),
	))
	require.Len(t, recs, 2)
	assert.Equal(t, 2, h.backend.Last.TextCalls)

	var first, second TextResultData
	require.NoError(t, json.Unmarshal(recs[0].Data, &first))
	require.NoError(t, json.Unmarshal(recs[1].Data, &second))
	assert.Equal(t, first.Vectors[0], second.Vectors[1])

	h.run(job("3", EventTextEmbed, map[string]any{"text": []string{"a dog", "a photo of a cat"}}))
	assert.Equal(t, 2, h.backend.Last.TextCalls)
}

func TestHandle_malformedAndUnknown(t *testing.T) {
	h := newHarness(t)
	recs := h.run(
		"{not json",
		`{"msgid":"x","data":{}}`,
		job("u", "resize", map[string]any{}),
		startJob(2),
		job("t", EventTextEmbed, map[string]any{"text": "ok"}),
	)

	entries := logEntries(t, recs)
	require.GreaterOrEqual(t, len(entries), 3)
	assert.Equal(t, "error", entries[0].Level)
	assert.NotEmpty(t, entries[0].Error)
	assert.Equal(t, "x", entries[1].MsgID)
	assert.Equal(t, "resize", entries[2].Event)
	assert.Len(t, results(recs), 1)
}

func TestHandle_nullMsgID(t *testing.T) {
	h := newHarness(t)
	recs := results(h.run(startJob(2), `{"msgid":null,"event":"text-embed","data":{"text":"x"}}`))
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].MsgID)
	assert.Equal(t, "", *recs[0].MsgID)
}

func TestRun_oversizedLineIsSkipped(t *testing.T) {
	h := newHarness(t)
	big := job("big", EventTextEmbed, map[string]any{"text": strings.Repeat("a", MaxLineSize)})
	recs := h.run(startJob(2), big, job("after", EventTextEmbed, map[string]any{"text": "a photo of a cat"}))

	res := results(recs)
	require.Len(t, res, 1)
	assert.Equal(t, "after", *res[0].MsgID)

	var skipped bool
	for _, e := range logEntries(t, recs) {
		if e.Msg == "oversized input line skipped" {
			skipped = true
			assert.Equal(t, "error", e.Level)
			assert.Contains(t, e.Error, fmt.Sprint(MaxLineSize))
		}
	}
	assert.True(t, skipped)
}

func TestReadLine(t *testing.T) {
	input := "short\n" + strings.Repeat("x", 40) + "\r\n" + strings.Repeat("y", 20) + "\n\ntail"
	r := bufio.NewReaderSize(strings.NewReader(input), 16)

	line, err := readLine(r, 20)
	require.NoError(t, err)
	assert.Equal(t, "short", string(line))

	_, err = readLine(r, 20)
	assert.ErrorIs(t, err, errLineTooLong)

	line, err = readLine(r, 20)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("y", 20), string(line))

	line, err = readLine(r, 20)
	require.NoError(t, err)
	assert.Empty(t, line)

	line, err = readLine(r, 20)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(line))

	_, err = readLine(r, 20)
	assert.ErrorIs(t, err, io.EOF)
}

// stallingEncoder holds every image call until the job context ends.
type stallingEncoder struct{ *service.MockEncoder }

func (e stallingEncoder) EncodeImage(ctx context.Context, batch service.ImageBatch) ([][]float32, error) {
	e.ImageCalls++
	<-ctx.Done()
	return nil, ctx.Err()
}

type stallingBackend struct{ *service.MockBackend }

func (b stallingBackend) Load(model, device string) (service.Encoder, error) {
	if _, err := b.MockBackend.Load(model, device); err != nil {
		return nil, err
	}
	return stallingEncoder{b.Last}, nil
}

func TestImageEmbed_timeoutDuringInference(t *testing.T) {
	dir := t.TempDir()
	path := writeImage(t, dir, "a.png", 1)
	cfg := config.Default()
	cfg.ImageSize = 8
	backend := stallingBackend{service.NewMockBackend()}
	out := &bytes.Buffer{}
	s := New(cfg, backend, out, zaptest.NewLogger(t))
	t.Cleanup(func() { s.Close() })

	s.Handle(context.Background(), []byte(startJob(1)))
	out.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Handle(ctx, []byte(job("slow", EventImageEmbed, map[string]any{"filepaths": []string{path, path}})))

	recs := decodeRecords(t, out.Bytes())
	assert.Empty(t, results(recs))
	entries := logEntries(t, recs)
	require.Len(t, entries, 1)
	assert.Equal(t, "slow", entries[0].MsgID)
	assert.Equal(t, "image job timed out after 0 of 2 batches", entries[0].Msg)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	assert.Equal(t, 1, backend.Last.ImageCalls)
}
