package sfu

import (
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
)

const firstDynamicPayloadType = 100

// DefaultCodecs are the router media codecs used when none are configured.
func DefaultCodecs() []domain.RtpCodecCapability {
	return []domain.RtpCodecCapability{
		{
			Kind:      domain.KindAudio,
			MimeType:  "audio/opus",
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      domain.KindVideo,
			MimeType:  "video/VP8",
			ClockRate: 90000,
			Parameters: map[string]any{
				"x-google-start-bitrate": 1000,
			},
		},
	}
}

func defaultFeedback(kind domain.MediaKind) []domain.RtcpFeedback {
	if kind == domain.KindVideo {
		return []domain.RtcpFeedback{
			{Type: "nack"},
			{Type: "nack", Parameter: "pli"},
			{Type: "ccm", Parameter: "fir"},
			{Type: "goog-remb"},
			{Type: "transport-cc"},
		}
	}
	return []domain.RtcpFeedback{{Type: "transport-cc"}}
}

// RouterCapabilities turns configured media codecs into the capability set a
// router advertises: dynamic payload types are assigned from 100 upwards and
// missing RTCP feedback is filled per kind.
func RouterCapabilities(codecs []domain.RtpCodecCapability) domain.RtpCapabilities {
	used := make(map[uint8]bool, len(codecs))
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}
	next := uint8(firstDynamicPayloadType)
	out := make([]domain.RtpCodecCapability, 0, len(codecs))
	for _, c := range codecs {
		if c.PreferredPayloadType == 0 {
			for used[next] {
				next++
			}
			c.PreferredPayloadType = next
			used[next] = true
		}
		if len(c.RtcpFeedback) == 0 {
			c.RtcpFeedback = defaultFeedback(c.Kind)
		}
		if c.Parameters != nil {
			c.Parameters = maps.Clone(c.Parameters)
		}
		out = append(out, c)
	}
	return domain.RtpCapabilities{
		Codecs:           out,
		HeaderExtensions: []domain.RtpHeaderExtension{},
	}
}

// ValidateCodecs rejects codec lists a router cannot be built from.
func ValidateCodecs(codecs []domain.RtpCodecCapability) error {
	if len(codecs) == 0 {
		return fmt.Errorf("no media codecs")
	}
	for i, c := range codecs {
		if !c.Kind.Valid() {
			return fmt.Errorf("codec %d: invalid kind %q", i, c.Kind)
		}
		if !strings.HasPrefix(strings.ToLower(c.MimeType), string(c.Kind)+"/") {
			return fmt.Errorf("codec %d: mime type %q does not match kind %s", i, c.MimeType, c.Kind)
		}
		if c.ClockRate == 0 {
			return fmt.Errorf("codec %d: zero clock rate", i)
		}
	}
	return nil
}

func channelsOf(kind domain.MediaKind, ch uint16) uint16 {
	if kind == domain.KindAudio && ch == 0 {
		return 1
	}
	return ch
}

func paramInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// MatchCodec finds the capability in caps that can carry codec.
func MatchCodec(kind domain.MediaKind, codec domain.RtpCodecParameters, caps domain.RtpCapabilities) (domain.RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if c.Kind != "" && c.Kind != kind {
			continue
		}
		if !strings.EqualFold(c.MimeType, codec.MimeType) || c.ClockRate != codec.ClockRate {
			continue
		}
		if kind == domain.KindAudio && channelsOf(kind, c.Channels) != channelsOf(kind, codec.Channels) {
			continue
		}
		if strings.EqualFold(codec.MimeType, "video/h264") &&
			paramInt(c.Parameters, "packetization-mode") != paramInt(codec.Parameters, "packetization-mode") {
			continue
		}
		return c, true
	}
	return domain.RtpCodecCapability{}, false
}

// CanConsume reports whether a consumer with caps can receive a producer of
// kind sending rtp.
func CanConsume(kind domain.MediaKind, rtp domain.RtpParameters, caps domain.RtpCapabilities) bool {
	codec, ok := rtp.MediaCodec()
	if !ok {
		return false
	}
	_, ok = MatchCodec(kind, codec, caps)
	return ok
}

// CheckProducible verifies that a router with routerCaps can route rtp and
// returns the router codec the producer's media codec maps to.
func CheckProducible(kind domain.MediaKind, rtp domain.RtpParameters, routerCaps domain.RtpCapabilities) (domain.RtpCodecCapability, error) {
	if !kind.Valid() {
		return domain.RtpCodecCapability{}, fmt.Errorf("%w: invalid kind %q", core.ErrValidation, kind)
	}
	codec, ok := rtp.MediaCodec()
	if !ok {
		return domain.RtpCodecCapability{}, fmt.Errorf("%w: no media codec in rtpParameters", core.ErrValidation)
	}
	routerCodec, ok := MatchCodec(kind, codec, routerCaps)
	if !ok {
		return domain.RtpCodecCapability{}, fmt.Errorf("%w: router does not support %s/%d", core.ErrNegotiationFailed, codec.MimeType, codec.ClockRate)
	}
	return routerCodec, nil
}

func intersectFeedback(a, b []domain.RtcpFeedback) []domain.RtcpFeedback {
	out := make([]domain.RtcpFeedback, 0, len(a))
	for _, fa := range a {
		for _, fb := range b {
			if fa == fb {
				out = append(out, fa)
				break
			}
		}
	}
	return out
}

// ConsumerLayout describes the local side of a new consumer.
type ConsumerLayout struct {
	Mid   string
	Ssrc  uint32
	Cname string
}

// ConsumerRtpParameters derives what the consuming client must expect from
// a producer's parameters, the router's capabilities and the client's own
// capabilities.
func ConsumerRtpParameters(
	kind domain.MediaKind,
	producer domain.RtpParameters,
	routerCaps, clientCaps domain.RtpCapabilities,
	local ConsumerLayout,
) (domain.RtpParameters, error) {
	codec, ok := producer.MediaCodec()
	if !ok {
		return domain.RtpParameters{}, fmt.Errorf("%w: producer has no media codec", core.ErrNegotiationFailed)
	}
	routerCodec, ok := MatchCodec(kind, codec, routerCaps)
	if !ok {
		return domain.RtpParameters{}, fmt.Errorf("%w: router cannot route %s", core.ErrNegotiationFailed, codec.MimeType)
	}
	clientCodec, ok := MatchCodec(kind, codec, clientCaps)
	if !ok {
		return domain.RtpParameters{}, fmt.Errorf("%w: client cannot receive %s", core.ErrNegotiationFailed, codec.MimeType)
	}

	var params map[string]any
	if codec.Parameters != nil {
		params = maps.Clone(codec.Parameters)
	}
	return domain.RtpParameters{
		Mid: local.Mid,
		Codecs: []domain.RtpCodecParameters{{
			MimeType:     routerCodec.MimeType,
			PayloadType:  routerCodec.PreferredPayloadType,
			ClockRate:    routerCodec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   params,
			RtcpFeedback: intersectFeedback(routerCodec.RtcpFeedback, clientCodec.RtcpFeedback),
		}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: local.Ssrc}},
		Rtcp: domain.RtcpParameters{
			Cname:       local.Cname,
			ReducedSize: true,
		},
	}, nil
}
