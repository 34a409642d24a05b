package server

import (
	"encoding/json"
	"errors"
	"math"
)

const (
	EventStart      = "start"
	EventImageEmbed = "image-embed"
	EventTextEmbed  = "text-embed"
	EventLog        = "log"

	// Names used by existing parent processes; results echo whichever
	// name the job used.
	EventClipifyImage = "clipify-image"
	EventClipifyText  = "clipify-text"
)

// Job is one input line.
type Job struct {
	MsgID string          `json:"msgid"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Record is one output line. MsgID is nil for log records.
type Record struct {
	MsgID *string `json:"msgid,omitempty"`
	Event string  `json:"event"`
	Data  any     `json:"data"`
}

// LogEntry is the data of a diagnostic log record.
type LogEntry struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
	MsgID string `json:"msgid,omitempty"`
	Event string `json:"event,omitempty"`
	Error string `json:"error,omitempty"`
}

type StartData struct {
	ModelClip string `json:"model_clip"`
	Device    string `json:"device"`
	BatchSize int    `json:"batch_size"`
}

type ImageData struct {
	Filepaths []string `json:"filepaths"`
}

type TextData struct {
	Text TextInput `json:"text"`
}

// TextInput accepts either a single string or a list of strings.
type TextInput []string

func (t *TextInput) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*t = TextInput{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("text must be a string or a list of strings")
	}
	*t = many
	return nil
}

type ImageResultData struct {
	Vectors    [][]float32 `json:"vectors"`
	BatchIndex int         `json:"batch_index"`
	Time       float64     `json:"time"`
	TimeDecode float64     `json:"time_decode"`
	TimeAI     float64     `json:"time_ai"`
	// Failed lists job-absolute indices whose vector is null.
	Failed []int `json:"failed,omitempty"`
}

type TextResultData struct {
	Vectors [][]float32 `json:"vectors"`
	Time    float64     `json:"time"`
}

func round2(seconds float64) float64 {
	return math.Round(seconds*100) / 100
}

func isImageEvent(event string) bool {
	return event == EventImageEmbed || event == EventClipifyImage
}

func isTextEvent(event string) bool {
	return event == EventTextEmbed || event == EventClipifyText
}
