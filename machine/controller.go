package machine

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"grblmc/grbl"
)

// Config tunes the controller facade.
type Config struct {
	// Capacity is the controller's serial receive buffer in bytes.
	Capacity int `toml:"capacity"`
	// PollInterval is how often a status query is issued.
	PollInterval time.Duration `toml:"-"`
	// SettingsTimeout bounds the initial `$$` dump.
	SettingsTimeout time.Duration `toml:"-"`

	Probe ProbeConfig `toml:"probe"`
}

func DefaultConfig() Config {
	return Config{
		Capacity:        grbl.DefaultCapacity,
		PollInterval:    200 * time.Millisecond,
		SettingsTimeout: 5 * time.Second,
		Probe:           DefaultProbeConfig(),
	}
}

// Controller owns one machine link and the motion engines built on
// it. It routes push responses from the wire to the component that
// consumes them.
type Controller struct {
	Tracker    *Tracker
	Settings   *Settings
	Supervisor *Supervisor
	Executor   *Executor
	Jogger     *Jogger
	Prober     *Prober

	conn *grbl.Conn
	ch   Channel
	cfg  Config
	log  *logrus.Entry

	mx      sync.Mutex
	version string

	stopPoll  chan struct{}
	closeOnce sync.Once
}

// New wires a controller over the given serial link. Call Start to
// begin reading.
func New(rw io.ReadWriter, cfg Config, log *logrus.Entry) *Controller {
	c := &Controller{
		cfg:      cfg,
		log:      log,
		stopPoll: make(chan struct{}),
	}

	c.conn = grbl.NewConn(rw, grbl.ConnConfig{
		Capacity: cfg.Capacity,
		Push:     c.dispatch,
		Logf: func(format string, args ...interface{}) {
			log.Debugf(format, args...)
		},
	})
	c.ch = ConnChannel{Conn: c.conn}

	c.Tracker = NewTracker(log)
	c.Settings = NewSettings()
	c.Supervisor = NewSupervisor(c.ch, c.Tracker, log)
	c.Executor = NewExecutor(c.ch, c.Tracker, c.Supervisor, log)
	c.Jogger = NewJogger(c.ch, c.Tracker, c.Supervisor, c.Settings, log)
	c.Prober = NewProber(c.ch, c.Tracker, c.Supervisor, c.Settings, cfg.Probe, log)

	return c
}

// Channel exposes the underlying command channel for ad-hoc commands.
func (c *Controller) Channel() Channel { return c.ch }

// Version returns the firmware version from the welcome banner, or
// empty before one has been seen.
func (c *Controller) Version() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.version
}

// Start begins reading the link, starts status polling, and loads the
// controller settings dump.
func (c *Controller) Start() error {
	c.conn.Run()
	go c.Tracker.Poll(c.ch, c.cfg.PollInterval, c.stopPoll)

	if err := c.Settings.Load(c.ch, c.cfg.SettingsTimeout); err != nil {
		c.log.WithError(err).Warn("settings dump failed")
	}
	return nil
}

// Close shuts the link down. Safe to call more than once.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopPoll)
		err = c.conn.Close()
	})
	return err
}

// dispatch routes one push response to its consumer. Runs on the read
// goroutine, so consumers must not block.
func (c *Controller) dispatch(r grbl.Response) {
	switch v := r.(type) {
	case grbl.Status:
		c.Tracker.Update(v)
	case grbl.Probe:
		c.Prober.HandleReport(v)
	case grbl.Setting:
		c.Settings.set(v.ID, v.Value)
	case grbl.Alarm:
		c.Tracker.MarkAlarm(v.Code)
		c.log.WithField("alarm", v.Code).Warn((&grbl.AlarmError{Code: v.Code}).Error())
	case grbl.Welcome:
		c.mx.Lock()
		c.version = v.Version
		c.mx.Unlock()
		c.log.WithField("version", v.Version).Info("controller reset")
	case grbl.Feedback:
		c.log.WithField("msg", v.Message).Info("controller feedback")
	case grbl.Disconnect:
		c.log.WithError(v.Err).Error("link lost")
		c.Supervisor.LinkLost()
	case grbl.Malformed:
		c.log.WithField("line", v.Line).Warn("unparseable response")
	}
}
