package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Signal/internal/app"
	"github.com/dkeye/Signal/internal/core"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

type handlerFunc func(ctx context.Context, sess *app.Session, data json.RawMessage) (any, error)

func (ctl *SignalWSController) dispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		ReqGetRtpCapabilities:    ctl.handleGetRtpCapabilities,
		ReqCreateWebRtcTransport: ctl.handleCreateTransport,
		ReqTransportConnect:      ctl.handleSendConnect,
		ReqTransportProduce:      ctl.handleProduce,
		ReqTransportRecvConnect:  ctl.handleRecvConnect,
		ReqConsume:               ctl.handleConsume,
		ReqConsumerResume:        ctl.handleConsumerResume,
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sess *app.Session, c *WsSignalConn, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
		if err == nil {
			err = errors.New("missing type")
		}
		ctl.reply(sess, c, req, nil, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err))
		return
	}

	h, ok := ctl.handlers[req.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", req.Type).Msg("unknown signal")
		ctl.reply(sess, c, req, nil, fmt.Errorf("%w: %q", core.ErrUnknownRequest, req.Type))
		return
	}
	if !ctl.opts.Limiter.Allow(sess.ID()) {
		ctl.reply(sess, c, req, nil, core.ErrRateLimited)
		return
	}

	start := time.Now()
	result, err := ctl.invoke(ctx, h, sess, req)
	app.RequestDuration.WithLabelValues(req.Type).Observe(time.Since(start).Seconds())
	ctl.reply(sess, c, req, result, err)
}

// invoke runs one handler, turning a panic into an internal error.
func (ctl *SignalWSController) invoke(ctx context.Context, h handlerFunc, sess *app.Session, req request) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			log.Error().Str("module", "signal").Str("sid", string(sess.ID())).Str("type", req.Type).Interface("panic", v).Msg("handler panicked")
			result, err = nil, fmt.Errorf("handler panicked: %v", v)
		}
	}()
	return h(ctx, sess, req.Data)
}

func (ctl *SignalWSController) reply(sess *app.Session, c *WsSignalConn, req request, result any, err error) {
	resp := response{ID: req.ID, Type: req.Type}
	label := req.Type
	if _, known := ctl.handlers[label]; !known {
		label = "unknown"
	}
	if err != nil {
		code := core.CodeOf(err)
		resp.Error = &errorBody{Code: code, Message: err.Error()}
		app.RequestsTotal.WithLabelValues(label, string(code)).Inc()
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sess.ID())).Str("type", req.Type).Str("code", string(code)).Msg("request failed")
	} else {
		if result == nil {
			result = empty{}
		}
		resp.Data = result
		app.RequestsTotal.WithLabelValues(label, "ok").Inc()
	}

	b, merr := json.Marshal(resp)
	if merr != nil {
		log.Error().Err(merr).Str("module", "signal").Msg("reply marshal")
		return
	}
	if serr := c.TrySend(b); errors.Is(serr, core.ErrSendQueueFull) {
		if ctl.Orch.Policy == nil || ctl.Orch.Policy.OnBackPressure(sess.ID(), req.Type) == app.KickMember {
			log.Warn().Str("module", "signal").Str("sid", string(sess.ID())).Msg("send queue full on reply, kicking peer")
			sess.Close()
		}
	}
}

// decode unmarshals data into v and validates its shape.
func (ctl *SignalWSController) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	if err := ctl.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				msg := fmt.Sprintf("%s is required", fe.Field())
				if hint, ok := fieldHints[fe.Field()]; ok {
					msg += ": " + hint
				}
				return fmt.Errorf("%w: %s", core.ErrValidation, msg)
			}
			return fmt.Errorf("%w: %s failed on %q", core.ErrValidation, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	return nil
}
