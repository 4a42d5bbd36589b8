package rtc

import (
	"fmt"
	"net"
	"sync"

	"github.com/dkeye/Signal/internal/app/sfu"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// worker is one isolated media API: its own codec table, interceptor chain
// and forwarding plane. Routers are bound to exactly one worker.
type worker struct {
	id     string
	api    *webrtc.API
	media  *webrtc.MediaEngine
	relays *sfu.RelayManager
	caps   domain.RtpCapabilities
	logger zerolog.Logger

	// payloadTypes maps every payload type the worker can receive to the
	// router codec it carries.
	ptMu         sync.Mutex
	payloadTypes map[uint8]domain.RtpCodecCapability

	mu      sync.Mutex
	routers map[string]*router
	dead    bool

	onDeath func(w *worker, reason error)
}

func newWorker(id string, cfg Config, tcpMux ice.TCPMux, onDeath func(*worker, error)) (*worker, error) {
	caps := sfu.RouterCapabilities(cfg.Codecs)

	mediaEngine := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		if err := mediaEngine.RegisterCodec(pionCodec(c), codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", c.MimeType, err)
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}
	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI factory: %w", err)
	}
	interceptorRegistry.Add(pliFactory)

	se := webrtc.SettingEngine{}
	se.SetLite(true)
	networks := []webrtc.NetworkType{webrtc.NetworkTypeUDP4}
	if tcpMux != nil {
		se.SetICETCPMux(tcpMux)
		networks = append(networks, webrtc.NetworkTypeTCP4)
	}
	se.SetNetworkTypes(networks)
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if listen := net.ParseIP(cfg.ListenIP); listen != nil && !listen.IsUnspecified() {
		se.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listen) })
	}
	if cfg.MinPort > 0 && cfg.MaxPort > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("failed to set WebRTC port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	payloadTypes := make(map[uint8]domain.RtpCodecCapability, len(caps.Codecs))
	for _, c := range caps.Codecs {
		payloadTypes[c.PreferredPayloadType] = c
	}

	return &worker{
		id:           id,
		api:          api,
		media:        mediaEngine,
		relays:       sfu.NewRelayManager(),
		caps:         caps,
		payloadTypes: payloadTypes,
		logger:       log.With().Str("module", "rtc").Str("worker", id).Logger(),
		routers:      make(map[string]*router),
		onDeath:      onDeath,
	}, nil
}

// bindPayloadType makes RTP arriving with payload type pt decode as the
// router codec rc. Clients pick their own payload types, so pt is usually an
// alias of rc.PreferredPayloadType. A pt already carrying another codec on
// this worker cannot be received.
func (w *worker) bindPayloadType(pt uint8, rc domain.RtpCodecCapability) error {
	w.ptMu.Lock()
	defer w.ptMu.Unlock()
	if bound, ok := w.payloadTypes[pt]; ok {
		if bound.PreferredPayloadType == rc.PreferredPayloadType {
			return nil
		}
		return fmt.Errorf("%w: payload type %d already carries %s", core.ErrNegotiationFailed, pt, bound.MimeType)
	}
	alias := pionCodec(rc)
	alias.PayloadType = webrtc.PayloadType(pt)
	if err := w.media.RegisterCodec(alias, codecType(rc.Kind)); err != nil {
		return fmt.Errorf("%w: payload type %d: %w", core.ErrNegotiationFailed, pt, err)
	}
	w.payloadTypes[pt] = rc
	w.logger.Debug().Uint8("payload_type", pt).Uint8("router_payload_type", rc.PreferredPayloadType).
		Str("codec", rc.MimeType).Msg("payload type bound")
	return nil
}

func (w *worker) load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

func (w *worker) alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead
}

func (w *worker) newRouter() (*router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return nil, core.ErrEngineUnavailable
	}
	r := newRouter(w)
	w.routers[r.id] = r
	return r, nil
}

func (w *worker) removeRouter(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, id)
}

// die marks the worker dead and fails every router bound to it.
func (w *worker) die(reason error) {
	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return
	}
	w.dead = true
	routers := make([]*router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	w.logger.Error().Err(reason).Int("routers", len(routers)).Msg("worker died")
	for _, r := range routers {
		r.closeWith(fmt.Errorf("%w: %v", core.ErrEngineFatal, reason))
	}
	if w.onDeath != nil {
		w.onDeath(w, reason)
	}
}

// shutdown closes routers without reporting a failure.
func (w *worker) shutdown() {
	w.mu.Lock()
	w.dead = true
	routers := make([]*router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()
	for _, r := range routers {
		if err := r.Close(); err != nil {
			w.logger.Warn().Err(err).Str("router", r.id).Msg("router close error")
		}
	}
}
