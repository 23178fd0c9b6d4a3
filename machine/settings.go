package machine

import (
	"sync"
	"time"

	"grblmc/coord"
)

// Grbl numeric setting ids used by the motion layer.
const (
	settingMaxRateX   = 110
	settingMaxRateY   = 111
	settingMaxRateZ   = 112
	settingAccelX     = 120
	settingMaxTravelX = 130
)

// fallbackMaxRate is used before a settings dump has been loaded.
// Conservative enough for any hobby-class machine.
const fallbackMaxRate = 500 // mm/min

// Settings is the controller configuration as reported by a `$$`
// dump. It is read-only to the motion engines; values arrive through
// the response dispatcher.
type Settings struct {
	mx   sync.RWMutex
	vals map[int]float64
}

func NewSettings() *Settings {
	return &Settings{vals: make(map[int]float64)}
}

func (s *Settings) set(id int, val float64) {
	s.mx.Lock()
	s.vals[id] = val
	s.mx.Unlock()
}

func (s *Settings) Get(id int) (float64, bool) {
	s.mx.RLock()
	v, ok := s.vals[id]
	s.mx.RUnlock()
	return v, ok
}

// All returns a copy of the full settings dump.
func (s *Settings) All() map[int]float64 {
	s.mx.RLock()
	defer s.mx.RUnlock()
	out := make(map[int]float64, len(s.vals))
	for id, v := range s.vals {
		out[id] = v
	}
	return out
}

// MaxRate returns the configured rapid rate for the axis in mm/min.
func (s *Settings) MaxRate(a coord.Axis) float64 {
	v, ok := s.Get(settingMaxRateX + int(a))
	if !ok || v <= 0 {
		return fallbackMaxRate
	}
	return v
}

// Accel returns the configured acceleration for the axis in mm/s².
func (s *Settings) Accel(a coord.Axis) (float64, bool) {
	return s.Get(settingAccelX + int(a))
}

// MaxTravel returns the configured axis travel in mm.
func (s *Settings) MaxTravel(a coord.Axis) (float64, bool) {
	return s.Get(settingMaxTravelX + int(a))
}

// Load requests a fresh settings dump and waits for the controller to
// finish it. The individual `$N=V` lines stream in through the
// dispatcher before the closing ok.
func (s *Settings) Load(ch Channel, timeout time.Duration) error {
	p, err := ch.Submit("$$")
	if err != nil {
		return err
	}
	return p.Wait(timeout)
}
