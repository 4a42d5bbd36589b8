package core

import (
	"context"
	"errors"
)

// Code is the stable, client visible name of an error class.
type Code string

const (
	CodeEngineUnavailable       Code = "EngineUnavailable"
	CodeTransportCreationFailed Code = "TransportCreationFailed"
	CodeInvalidTransportState   Code = "InvalidTransportState"
	CodeUnknownTransport        Code = "UnknownTransport"
	CodeDuplicateTransport      Code = "DuplicateTransport"
	CodeNegotiationFailed       Code = "NegotiationFailed"
	CodeNegotiationTimeout      Code = "NegotiationTimeout"
	CodeUnknownProducer         Code = "UnknownProducer"
	CodeUnknownConsumer         Code = "UnknownConsumer"
	CodeConsumerClosed          Code = "ConsumerClosed"
	CodeSessionClosed           Code = "SessionClosed"
	CodeBrokerUnavailable       Code = "BrokerUnavailable"
	CodeEngineFatal             Code = "EngineFatal"
	CodeValidationFailed        Code = "ValidationFailed"
	CodeInvalidRequest          Code = "InvalidRequest"
	CodeUnknownRequest          Code = "UnknownRequest"
	CodeRateLimited             Code = "RateLimited"
	CodeInternal                Code = "Internal"
)

var (
	ErrEngineUnavailable       = errors.New("media engine unavailable")
	ErrTransportCreationFailed = errors.New("transport creation failed")
	ErrInvalidTransportState   = errors.New("invalid transport state")
	ErrUnknownTransport        = errors.New("unknown transport")
	ErrDuplicateTransport      = errors.New("duplicate transport")
	ErrNegotiationFailed       = errors.New("rtp capabilities cannot consume producer")
	ErrNegotiationTimeout      = errors.New("dtls negotiation timed out")
	ErrUnknownProducer         = errors.New("unknown producer")
	ErrUnknownConsumer         = errors.New("unknown consumer")
	ErrConsumerClosed          = errors.New("consumer closed")
	ErrSessionClosed           = errors.New("session closed")
	ErrBrokerUnavailable       = errors.New("broker unavailable")
	ErrEngineFatal             = errors.New("media worker died")
	ErrValidation              = errors.New("validation failed")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrUnknownRequest          = errors.New("unknown request")
	ErrRateLimited             = errors.New("rate limited")
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrEngineUnavailable, CodeEngineUnavailable},
	{ErrTransportCreationFailed, CodeTransportCreationFailed},
	{ErrInvalidTransportState, CodeInvalidTransportState},
	{ErrUnknownTransport, CodeUnknownTransport},
	{ErrDuplicateTransport, CodeDuplicateTransport},
	{ErrNegotiationFailed, CodeNegotiationFailed},
	{ErrNegotiationTimeout, CodeNegotiationTimeout},
	{ErrUnknownProducer, CodeUnknownProducer},
	{ErrUnknownConsumer, CodeUnknownConsumer},
	{ErrConsumerClosed, CodeConsumerClosed},
	{ErrSessionClosed, CodeSessionClosed},
	{ErrBrokerUnavailable, CodeBrokerUnavailable},
	{ErrEngineFatal, CodeEngineFatal},
	{ErrValidation, CodeValidationFailed},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrUnknownRequest, CodeUnknownRequest},
	{ErrRateLimited, CodeRateLimited},
	{context.DeadlineExceeded, CodeNegotiationTimeout},
}

// CodeOf classifies err. Unclassified errors map to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
