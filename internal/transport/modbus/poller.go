// Package modbus polls a controller over Modbus TCP and re-encodes each
// poll cycle as a telemetry frame, so the decoder sees the same payload it
// would receive over MQTT.
package modbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/speedwagon-io/climalink/internal/lib/logger/sl"
)

// Client is the subset of modbus.Client the poller uses. Results are raw
// response bytes, registers big-endian and coils packed LSB first.
type Client interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
}

type Config struct {
	Serial         string
	Endpoint       string
	UnitID         uint8
	Timeout        time.Duration
	Interval       time.Duration
	HoldingAddress uint16
	HoldingCount   uint16
	CoilAddress    uint16
	CoilCount      uint16
}

// frame has the shape of an MQTT telemetry payload. A wired link has no
// radio, so rssi is always 0.
type frame struct {
	ID      string `json:"id"`
	RSSI    int    `json:"rssi"`
	Holding []int  `json:"holding"`
	Coil    []int  `json:"coil"`
}

// Poller reads one holding block and one coil block per cycle. Cycles never
// overlap and a failed cycle emits nothing.
type Poller struct {
	log     *slog.Logger
	cfg     Config
	client  Client
	handler *modbus.TCPClientHandler

	mu      sync.Mutex
	started bool
	msgs    chan []byte
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
}

func New(log *slog.Logger, cfg Config) (*Poller, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus: endpoint required")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID

	p, err := newPoller(log, cfg, modbus.NewClient(h))
	if err != nil {
		return nil, err
	}
	p.handler = h
	return p, nil
}

func newPoller(log *slog.Logger, cfg Config, client Client) (*Poller, error) {
	if cfg.Serial == "" {
		return nil, errors.New("modbus: serial required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("modbus: interval must be > 0")
	}
	if cfg.HoldingCount == 0 || cfg.CoilCount == 0 {
		return nil, errors.New("modbus: holding and coil counts must be > 0")
	}
	return &Poller{
		log:    log.With(slog.String("transport", "modbus"), slog.String("endpoint", cfg.Endpoint)),
		cfg:    cfg,
		client: client,
		msgs:   make(chan []byte),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func (p *Poller) Name() string {
	return "modbus"
}

// Subscribe starts the poll loop. The returned channel closes when the loop
// exits, either on Close or when ctx is cancelled.
func (p *Poller) Subscribe(ctx context.Context) (<-chan []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.stop:
		return nil, errors.New("modbus: poller closed")
	default:
	}
	if p.started {
		return nil, errors.New("modbus: already subscribed")
	}
	p.started = true

	go p.run(ctx)
	return p.msgs, nil
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.msgs)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.log.Info("modbus poller started", slog.Duration("interval", p.cfg.Interval))

	for {
		if !p.emit(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) emit(ctx context.Context) bool {
	payload, err := p.PollOnce()
	if err != nil {
		p.log.Warn("modbus poll failed", sl.Err(err))
		return true
	}
	select {
	case p.msgs <- payload:
		return true
	case <-ctx.Done():
		return false
	case <-p.stop:
		return false
	}
}

// PollOnce performs one read cycle and returns the encoded frame.
// All-or-nothing: any failed read aborts the cycle.
func (p *Poller) PollOnce() ([]byte, error) {
	raw, err := p.client.ReadHoldingRegisters(p.cfg.HoldingAddress, p.cfg.HoldingCount)
	if err != nil {
		return nil, fmt.Errorf("read holding registers: %w", err)
	}
	holding, err := unpackRegisters(raw, int(p.cfg.HoldingCount))
	if err != nil {
		return nil, err
	}

	raw, err = p.client.ReadCoils(p.cfg.CoilAddress, p.cfg.CoilCount)
	if err != nil {
		return nil, fmt.Errorf("read coils: %w", err)
	}
	coil, err := unpackBits(raw, int(p.cfg.CoilCount))
	if err != nil {
		return nil, err
	}

	return json.Marshal(frame{
		ID:      p.cfg.Serial,
		Holding: holding,
		Coil:    coil,
	})
}

func (p *Poller) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.stop)
		started := p.started
		p.mu.Unlock()

		if started {
			<-p.done
		}
		if p.handler != nil {
			err = p.handler.Close()
		}
		p.log.Info("modbus poller closed")
	})
	return err
}

// unpackRegisters reads big-endian words as signed 16-bit values.
func unpackRegisters(data []byte, count int) ([]int, error) {
	if len(data) < 2*count {
		return nil, fmt.Errorf("modbus: short register response: %d bytes for %d registers", len(data), count)
	}
	out := make([]int, count)
	for i := range out {
		out[i] = int(int16(uint16(data[2*i])<<8 | uint16(data[2*i+1])))
	}
	return out, nil
}

func unpackBits(data []byte, count int) ([]int, error) {
	if len(data) < (count+7)/8 {
		return nil, fmt.Errorf("modbus: short coil response: %d bytes for %d coils", len(data), count)
	}
	out := make([]int, count)
	for i := range out {
		if data[i/8]&(1<<(i%8)) != 0 {
			out[i] = 1
		}
	}
	return out, nil
}
