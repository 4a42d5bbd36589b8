package rtc

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/pion/webrtc/v4"
)

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func pionFeedback(fb []domain.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

// pionCodec converts one router codec into what a worker MediaEngine registers.
func pionCodec(c domain.RtpCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: pionFeedback(c.RtcpFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

// trackCapability is the codec a consumer's local track binds with.
func trackCapability(c domain.RtpCodecParameters) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: pionFeedback(c.RtcpFeedback),
	}
}

func toIceParameters(p webrtc.ICEParameters) domain.IceParameters {
	return domain.IceParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		IceLite:          p.ICELite,
	}
}

func fromIceParameters(p domain.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.IceLite,
	}
}

func toIceCandidates(cands []webrtc.ICECandidate) []domain.IceCandidate {
	out := make([]domain.IceCandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, domain.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Ip:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TcpType:    c.TCPType,
		})
	}
	return out
}

func fromIceCandidates(cands []domain.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(cands))
	for _, c := range cands {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate protocol %q", core.ErrValidation, c.Protocol)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate type %q", core.ErrValidation, c.Type)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Ip,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TcpType,
		})
	}
	return out, nil
}

func toDtlsRole(r webrtc.DTLSRole) domain.DtlsRole {
	switch r {
	case webrtc.DTLSRoleClient:
		return domain.DtlsRoleClient
	case webrtc.DTLSRoleServer:
		return domain.DtlsRoleServer
	default:
		return domain.DtlsRoleAuto
	}
}

func fromDtlsRole(r domain.DtlsRole) webrtc.DTLSRole {
	switch r {
	case domain.DtlsRoleClient:
		return webrtc.DTLSRoleClient
	case domain.DtlsRoleServer:
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func toDtlsParameters(p webrtc.DTLSParameters) domain.DtlsParameters {
	fps := make([]domain.DtlsFingerprint, 0, len(p.Fingerprints))
	for _, f := range p.Fingerprints {
		fps = append(fps, domain.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return domain.DtlsParameters{Role: toDtlsRole(p.Role), Fingerprints: fps}
}

func fromDtlsParameters(p domain.DtlsParameters) webrtc.DTLSParameters {
	fps := make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, f := range p.Fingerprints {
		fps = append(fps, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return webrtc.DTLSParameters{Role: fromDtlsRole(p.Role), Fingerprints: fps}
}

func toDtlsState(s webrtc.DTLSTransportState) domain.DtlsState {
	switch s {
	case webrtc.DTLSTransportStateConnecting:
		return domain.DtlsStateConnecting
	case webrtc.DTLSTransportStateConnected:
		return domain.DtlsStateConnected
	case webrtc.DTLSTransportStateFailed:
		return domain.DtlsStateFailed
	case webrtc.DTLSTransportStateClosed:
		return domain.DtlsStateClosed
	default:
		return domain.DtlsStateNew
	}
}
