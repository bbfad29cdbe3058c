// Package xconfig loads and validates the runtime tunables for MUX, eRPC, and
// eBUS. Shape is grounded on internal/config/config.go in the reference app:
// a Default(), a cross-field Validate(), and Load/Save/Ensure wrapping JSON
// files so partial configs stay forward-compatible (new fields start at their
// Default() zero value rather than Go's bare zero value).
package xconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config is the full tunable surface for one mux+erpc+ebus runtime instance.
type Config struct {
	Identity Identity `json:"identity"`
	Mux      Mux      `json:"mux"`
	ERPC     ERPC     `json:"erpc"`
	EBus     EBus     `json:"ebus"`
}

type Identity struct {
	// BusID is this process's eBUS identity. Empty means "generate one".
	BusID string `json:"bus_id"`
}

type Mux struct {
	SendWindow        int           `json:"send_window"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`
}

type ERPC struct {
	StreamBufferCapacity int `json:"stream_buffer_capacity"`
	SerializationDepth   int `json:"serialization_depth"`
}

type EBus struct {
	// HandshakeDeadline is the timeout `goopmesh dial` gives its handshake
	// with the parent bus; when it expires the dial fails. No other message
	// uses it: responses to sub-update and node-announcement messages are not
	// awaited, and an established connection is never marked faulted by it.
	HandshakeDeadline time.Duration `json:"handshake_deadline"`
}

func Default() Config {
	return Config{
		Identity: Identity{BusID: ""},
		Mux: Mux{
			SendWindow:        32,
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTimeout:  30 * time.Second,
		},
		ERPC: ERPC{
			StreamBufferCapacity: 64,
			SerializationDepth:   32,
		},
		EBus: EBus{
			HandshakeDeadline: 5 * time.Second,
		},
	}
}

func (c *Config) Validate() error {
	if c.Mux.SendWindow <= 0 {
		return errors.New("mux.send_window must be > 0")
	}
	if c.Mux.HeartbeatInterval <= 0 {
		return errors.New("mux.heartbeat_interval must be > 0")
	}
	if c.Mux.HeartbeatTimeout <= 0 {
		return errors.New("mux.heartbeat_timeout must be > 0")
	}
	if c.Mux.HeartbeatInterval >= c.Mux.HeartbeatTimeout {
		return errors.New("mux.heartbeat_interval must be < mux.heartbeat_timeout")
	}
	if c.ERPC.StreamBufferCapacity <= 0 {
		return errors.New("erpc.stream_buffer_capacity must be > 0")
	}
	if c.ERPC.SerializationDepth <= 0 {
		return errors.New("erpc.serialization_depth must be > 0")
	}
	if c.EBus.HandshakeDeadline <= 0 {
		return errors.New("ebus.handshake_deadline must be > 0")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads cfg from path if present, otherwise writes and returns a
// Default() config. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// Watch reloads cfg from path whenever it changes on disk and invokes onChange
// with the newly validated config. Invalid reloads are logged via onError and
// otherwise skipped, leaving the previous config in effect. Returns a stop
// function. Grounded on fsnotify's use elsewhere in the reference app for
// watching site/content directories for reload.
func Watch(path string, onChange func(Config), onError func(error)) (stop func() error, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if onChange != nil {
					onChange(cfg)
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(werr)
				}
			case <-done:
				return
			}
		}
	}()

	return func() error {
		close(done)
		return w.Close()
	}, nil
}
