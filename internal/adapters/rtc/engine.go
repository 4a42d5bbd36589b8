package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dkeye/Signal/internal/app/sfu"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Config is the engine part of the process configuration.
type Config struct {
	NumWorkers  int
	ListenIP    string
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16
	// TCPPort enables ICE-TCP on a single shared port when > 0.
	TCPPort int
	Codecs  []domain.RtpCodecCapability
}

// Engine runs a fixed pool of workers and places routers on them.
type Engine struct {
	cfg     Config
	tcpMux  ice.TCPMux
	tcpLn   net.Listener
	onFatal func(error)

	mu      sync.Mutex
	workers []*worker
	closed  bool
}

var _ core.MediaEngine = (*Engine)(nil)

// NewEngine starts cfg.NumWorkers workers. onFatal is called once no worker
// can be kept alive.
func NewEngine(cfg Config, onFatal func(error)) (*Engine, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = sfu.DefaultCodecs()
	}
	if err := sfu.ValidateCodecs(cfg.Codecs); err != nil {
		return nil, fmt.Errorf("invalid codecs: %w", err)
	}

	e := &Engine{cfg: cfg, onFatal: onFatal}
	if cfg.TCPPort > 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(cfg.ListenIP, fmt.Sprint(cfg.TCPPort)))
		if err != nil {
			return nil, fmt.Errorf("ice tcp listen: %w", err)
		}
		e.tcpLn = ln
		e.tcpMux = webrtc.NewICETCPMux(nil, ln, 8)
	}

	for range cfg.NumWorkers {
		w, err := e.spawn()
		if err != nil {
			e.Close()
			return nil, err
		}
		e.workers = append(e.workers, w)
	}
	log.Info().Str("module", "rtc").Int("workers", len(e.workers)).Msg("media engine started")
	return e, nil
}

func (e *Engine) spawn() (*worker, error) {
	return newWorker(uuid.NewString(), e.cfg, e.tcpMux, e.handleDeath)
}

func (e *Engine) handleDeath(dead *worker, reason error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	for i, w := range e.workers {
		if w == dead {
			e.workers = append(e.workers[:i], e.workers[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	replacement, err := e.spawn()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("worker replacement failed")
	} else {
		e.mu.Lock()
		e.workers = append(e.workers, replacement)
		e.mu.Unlock()
		log.Warn().Str("module", "rtc").Str("worker", replacement.id).Msg("worker replaced")
	}

	if e.AliveWorkers() == 0 && e.onFatal != nil {
		e.onFatal(errors.Join(core.ErrEngineFatal, reason))
	}
}

// CreateRouter places a router on the least loaded alive worker.
func (e *Engine) CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(codecs) > 0 {
		if err := sfu.ValidateCodecs(codecs); err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrEngineUnavailable, err)
		}
	}

	e.mu.Lock()
	var best *worker
	bestLoad := 0
	for _, w := range e.workers {
		if !w.alive() {
			continue
		}
		if l := w.load(); best == nil || l < bestLoad {
			best, bestLoad = w, l
		}
	}
	e.mu.Unlock()

	if best == nil {
		return nil, core.ErrEngineUnavailable
	}
	r, err := best.newRouter()
	if err != nil {
		return nil, err
	}
	log.Debug().Str("module", "rtc").Str("worker", best.id).Str("router", r.id).Msg("router created")
	return r, nil
}

func (e *Engine) AliveWorkers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, w := range e.workers {
		if w.alive() {
			n++
		}
	}
	return n
}

func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	workers := e.workers
	e.workers = nil
	e.mu.Unlock()

	for _, w := range workers {
		w.shutdown()
	}
	if e.tcpMux != nil {
		_ = e.tcpMux.Close()
	}
	if e.tcpLn != nil {
		_ = e.tcpLn.Close()
	}
	log.Info().Str("module", "rtc").Msg("media engine closed")
}
