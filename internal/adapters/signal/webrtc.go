package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Signal/internal/app"
	"github.com/dkeye/Signal/internal/domain"
)

func (ctl *SignalWSController) handleGetRtpCapabilities(ctx context.Context, sess *app.Session, _ json.RawMessage) (any, error) {
	caps, err := sess.GetCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rtpCapabilities": caps}, nil
}

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, sess *app.Session, data json.RawMessage) (any, error) {
	var p createTransportPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	params, err := sess.CreateTransport(ctx, domain.DirectionFromSender(*p.Sender))
	if err != nil {
		return nil, err
	}
	return map[string]any{"params": params}, nil
}

func (ctl *SignalWSController) handleSendConnect(ctx context.Context, sess *app.Session, data json.RawMessage) (any, error) {
	return ctl.connect(ctx, sess, domain.DirectionSend, data)
}

func (ctl *SignalWSController) handleRecvConnect(ctx context.Context, sess *app.Session, data json.RawMessage) (any, error) {
	return ctl.connect(ctx, sess, domain.DirectionReceive, data)
}

func (ctl *SignalWSController) connect(ctx context.Context, sess *app.Session, dir domain.Direction, data json.RawMessage) (any, error) {
	var p connectPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	if err := sess.ConnectTransport(ctx, dir, p.params()); err != nil {
		return nil, err
	}
	return nil, nil
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, sess *app.Session, data json.RawMessage) (any, error) {
	var p producePayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	id, err := sess.Produce(ctx, p.Kind, p.RtpParameters)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, sess *app.Session, data json.RawMessage) (any, error) {
	var p consumePayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	params, err := sess.Consume(ctx, p.RtpCapabilities, p.ProducerID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"params": params}, nil
}

func (ctl *SignalWSController) handleConsumerResume(ctx context.Context, sess *app.Session, data json.RawMessage) (any, error) {
	var p resumePayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	return nil, sess.ResumeConsumer(ctx, p.ConsumerID)
}
