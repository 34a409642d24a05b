package onnx

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
	"github.com/krau/clipworker/service"
)

const (
	ContextLength = 77
	StartOfText   = 49406
	EndOfText     = 49407
)

type wordEncoder interface {
	Encode(text string) []int
}

// Tokenizer produces fixed-length CLIP token rows.
type Tokenizer struct {
	enc    wordEncoder
	length int
}

// LoadTokenizer reads tokenizer.json (and tokenizer_config.json when present)
// from a model directory.
func LoadTokenizer(dir string) (*Tokenizer, error) {
	var cfg *api.Config
	cfgPath := filepath.Join(dir, "tokenizer_config.json")
	if _, err := os.Stat(cfgPath); err == nil {
		cfg, err = api.ParseConfigFile(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("parse tokenizer config: %w", err)
		}
	}
	tok, err := hftokenizer.NewFromFile(cfg, filepath.Join(dir, TokenizerFile))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", TokenizerFile, err)
	}
	return &Tokenizer{enc: tok, length: ContextLength}, nil
}

// Tokenize encodes every text into one row of length ContextLength framed by
// StartOfText and EndOfText and padded with zeros. Over-long texts are
// truncated and keep their EndOfText.
func (t *Tokenizer) Tokenize(texts []string) service.TokenBatch {
	rows := make([][]int, len(texts))
	for i, text := range texts {
		rows[i] = t.enc.Encode(text)
	}
	return pack(rows, t.length)
}

func pack(rows [][]int, length int) service.TokenBatch {
	tb := service.TokenBatch{
		IDs:    make([]int64, len(rows)*length),
		Mask:   make([]int64, len(rows)*length),
		N:      len(rows),
		Length: length,
	}
	for i, ids := range rows {
		if len(ids) > 0 && ids[0] == StartOfText {
			ids = ids[1:]
		}
		if len(ids) > 0 && ids[len(ids)-1] == EndOfText {
			ids = ids[:len(ids)-1]
		}
		if len(ids) > length-2 {
			ids = ids[:length-2]
		}
		row := tb.IDs[i*length : (i+1)*length]
		mask := tb.Mask[i*length : (i+1)*length]
		row[0] = StartOfText
		for j, id := range ids {
			row[j+1] = int64(id)
		}
		row[len(ids)+1] = EndOfText
		for j := range len(ids) + 2 {
			mask[j] = 1
		}
	}
	return tb
}
