package signal

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Signal/internal/app/orch"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	// SendQueue is the number of frames buffered per connection before
	// backpressure applies.
	SendQueue int
	Limiter   *RateLimiter
}

type SignalWSController struct {
	Orch *orch.Orchestrator

	opts     Options
	validate *validator.Validate
	handlers map[string]handlerFunc
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32768
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonFieldName)
	ctl := &SignalWSController{
		Orch:     o,
		opts:     opts,
		validate: validate,
	}
	ctl.handlers = ctl.dispatchTable()
	return ctl
}

// jsonFieldName reports validation failures under the wire names.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, queue int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, queue)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrSessionClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrSendQueueFull
	}
	return nil
}

// Close stops accepting frames. The write pump flushes what is queued and
// closes the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	room, err := domain.ParseRoomID(c.Query("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := newWsSignalConn(ws, ctl.opts.SendQueue)
	peer := domain.NewPeer(room, token)
	log.Info().
		Str("module", "signal").
		Str("sid", string(peer.ID)).
		Str("room", string(room)).
		Str("client_token", token).
		Msg("new WS connection")

	ctl.sendEvent(conn, core.EventConnectionSuccess, map[string]domain.PeerID{"socketId": peer.ID})
	sess := ctl.Orch.Join(ctx, peer, conn)

	connCtx, cancel := context.WithCancel(ctx)
	go ctl.writePump(conn)
	go ctl.readPump(connCtx, cancel, sess, conn)
}
