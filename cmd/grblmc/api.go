package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"grblmc/coord"
	"grblmc/gcode"
	"grblmc/machine"
)

type api struct {
	http.Handler
	ctl *machine.Controller
	log *logrus.Entry
	sse *sse.Server

	upgrader websocket.Upgrader
}

func newAPI(ctl *machine.Controller, logger *logrus.Logger) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		ctl:     ctl,
		log:     logger.WithField("component", "api"),
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(io.Discard, "", 0),
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r.HandleFunc("/api/state", a.state).Methods("GET")
	r.HandleFunc("/api/settings", a.settings).Methods("GET")

	r.HandleFunc("/api/run", a.run).Methods("POST")
	r.HandleFunc("/api/pause", a.pause).Methods("POST")
	r.HandleFunc("/api/resume", a.resume).Methods("POST")
	r.HandleFunc("/api/stop", a.stop).Methods("POST")
	r.HandleFunc("/api/estop", a.estop).Methods("POST")
	r.HandleFunc("/api/unlock", a.unlock).Methods("POST")

	r.HandleFunc("/api/jog/start", a.jogStart).Methods("POST")
	r.HandleFunc("/api/jog/speed", a.jogSpeed).Methods("POST")
	r.HandleFunc("/api/jog/stop", a.jogStop).Methods("POST")

	r.HandleFunc("/api/probe/touch", a.probeTouch).Methods("POST")
	r.HandleFunc("/api/probe/center", a.probeCenter).Methods("POST")
	r.HandleFunc("/api/probe/grid", a.probeGrid).Methods("POST")
	r.HandleFunc("/api/probe/cancel", a.probeCancel).Methods("POST")

	r.PathPrefix("/events/").Handler(a.sse)
	r.HandleFunc("/ws", a.ws)

	go a.publishStates()

	return a
}

// publishStates fans tracker snapshots out to the SSE state stream.
func (a *api) publishStates() {
	ch := a.ctl.Tracker.Subscribe()
	defer a.ctl.Tracker.Unsubscribe(ch)
	for st := range ch {
		data, err := json.Marshal(st)
		if err != nil {
			a.log.WithError(err).Error("marshal state")
			continue
		}
		a.sse.SendMessage("/events/state", sse.SimpleMessage(string(data)))
	}
}

// ws pushes state snapshots over a websocket until the peer goes
// away.
func (a *api) ws(w http.ResponseWriter, req *http.Request) {
	conn, err := a.upgrader.Upgrade(w, req, nil)
	if err != nil {
		a.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := a.ctl.Tracker.Subscribe()
	defer a.ctl.Tracker.Unsubscribe(ch)

	// discard client frames, but notice the close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	if err := conn.WriteJSON(a.ctl.Tracker.Current()); err != nil {
		return
	}
	for st := range ch {
		if err := conn.WriteJSON(st); err != nil {
			return
		}
	}
}

func (a *api) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.WithError(err).Error("encode response")
	}
}

// fail maps engine errors onto HTTP statuses.
func (a *api) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, machine.ErrLeaseDenied),
		errors.Is(err, machine.ErrBusy),
		errors.Is(err, machine.ErrNotStreaming),
		errors.Is(err, machine.ErrNotJogging),
		errors.Is(err, machine.ErrNotAlarmed):
		status = http.StatusConflict
	case errors.Is(err, machine.ErrNoContact),
		errors.Is(err, machine.ErrToleranceExceeded):
		status = http.StatusUnprocessableEntity
	}
	a.log.WithError(err).Warn("request failed")
	http.Error(w, err.Error(), status)
}

func (a *api) decode(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func parseAxis(w http.ResponseWriter, s string) (coord.Axis, bool) {
	axis, err := coord.ParseAxis(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return axis, true
}

func (a *api) state(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, struct {
		Machine  machine.State    `json:"machine"`
		Program  machine.Progress `json:"program"`
		Jog      string           `json:"jog"`
		Firmware string           `json:"firmware"`
	}{
		Machine:  a.ctl.Tracker.Current(),
		Program:  a.ctl.Executor.Progress(),
		Jog:      a.ctl.Jogger.State().String(),
		Firmware: a.ctl.Version(),
	})
}

func (a *api) settings(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, a.ctl.Settings.All())
}

func (a *api) run(w http.ResponseWriter, req *http.Request) {
	// reject malformed programs before any motion starts
	lines, err := gcode.SplitProgram(req.Body)
	if err != nil {
		http.Error(w, "invalid program: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(lines) == 0 {
		http.Error(w, "empty program", http.StatusBadRequest)
		return
	}

	if err := a.ctl.Executor.Start(lines); err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, a.ctl.Executor.Progress())
}

func (a *api) pause(w http.ResponseWriter, req *http.Request) {
	if err := a.ctl.Executor.Pause(); err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, a.ctl.Executor.Progress())
}

func (a *api) resume(w http.ResponseWriter, req *http.Request) {
	if err := a.ctl.Executor.Resume(); err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, a.ctl.Executor.Progress())
}

func (a *api) stop(w http.ResponseWriter, req *http.Request) {
	if err := a.ctl.Executor.Stop(); err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, a.ctl.Executor.Progress())
}

func (a *api) estop(w http.ResponseWriter, req *http.Request) {
	if err := a.ctl.Supervisor.EmergencyStop(); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) unlock(w http.ResponseWriter, req *http.Request) {
	if err := a.ctl.Supervisor.ClearAlarm(unlockTimeout); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) jogStart(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Axis  string  `json:"axis"`
		Dir   int     `json:"dir"`
		Speed float64 `json:"speed"`
	}
	if !a.decode(w, req, &body) {
		return
	}
	axis, ok := parseAxis(w, body.Axis)
	if !ok {
		return
	}
	if err := a.ctl.Jogger.Start(axis, body.Dir, body.Speed); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) jogSpeed(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Speed float64 `json:"speed"`
	}
	if !a.decode(w, req, &body) {
		return
	}
	if err := a.ctl.Jogger.UpdateSpeed(body.Speed); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) jogStop(w http.ResponseWriter, req *http.Request) {
	if err := a.ctl.Jogger.Stop(); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) probeTouch(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Axis     string `json:"axis"`
		Dir      int    `json:"dir"`
		Averaged bool   `json:"averaged"`
	}
	if !a.decode(w, req, &body) {
		return
	}
	axis, ok := parseAxis(w, body.Axis)
	if !ok {
		return
	}

	var res *machine.ProbeResult
	var err error
	if body.Averaged {
		res, err = a.ctl.Prober.AveragedTouch(axis, body.Dir)
	} else {
		res, err = a.ctl.Prober.TouchOff(axis, body.Dir)
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, res)
}

func (a *api) probeCenter(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Axis string  `json:"axis"`
		Span float64 `json:"span"`
	}
	if !a.decode(w, req, &body) {
		return
	}
	axis, ok := parseAxis(w, body.Axis)
	if !ok {
		return
	}
	res, err := a.ctl.Prober.CenterFind(axis, body.Span)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, res)
}

func (a *api) probeGrid(w http.ResponseWriter, req *http.Request) {
	var opt machine.GridOptions
	if !a.decode(w, req, &opt) {
		return
	}
	res, err := a.ctl.Prober.Grid(opt)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, res)
}

func (a *api) probeCancel(w http.ResponseWriter, req *http.Request) {
	a.ctl.Prober.Cancel()
	w.WriteHeader(http.StatusNoContent)
}
