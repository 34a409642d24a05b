package server

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// Emitter writes Records as JSON lines and flushes after each one. It is
// safe for concurrent use; lines never interleave.
type Emitter struct {
	enc *json.Encoder
	w   *bufio.Writer
	mu  sync.Mutex
}

func NewEmitter(writer io.Writer) *Emitter {
	buf := bufio.NewWriter(writer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Emitter{enc: enc, w: buf}
}

func (e *Emitter) emit(r Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(r); err != nil {
		return err
	}
	return e.w.Flush()
}

// Log writes an uncorrelated log record; data is a string or any JSON value.
func (e *Emitter) Log(data any) error {
	return e.emit(Record{Event: EventLog, Data: data})
}

// Result writes a record correlated with msgid.
func (e *Emitter) Result(msgid, event string, data any) error {
	return e.emit(Record{MsgID: &msgid, Event: event, Data: data})
}
