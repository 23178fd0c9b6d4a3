package main

import (
	"encoding/json"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/sirupsen/logrus"
)

// sseLogHook mirrors log entries onto the /events/log SSE stream so
// UIs can show a live console.
type sseLogHook struct {
	srv *sse.Server
}

func newSSELogHook(srv *sse.Server) *sseLogHook {
	return &sseLogHook{srv: srv}
}

func (h *sseLogHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

func (h *sseLogHook) Fire(e *logrus.Entry) error {
	fields := make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	data, err := json.Marshal(struct {
		Time    time.Time              `json:"time"`
		Level   string                 `json:"level"`
		Message string                 `json:"message"`
		Fields  map[string]interface{} `json:"fields,omitempty"`
	}{
		Time:    e.Time,
		Level:   e.Level.String(),
		Message: e.Message,
		Fields:  fields,
	})
	if err != nil {
		return err
	}
	h.srv.SendMessage("/events/log", sse.SimpleMessage(string(data)))
	return nil
}
