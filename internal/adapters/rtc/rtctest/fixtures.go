package rtctest

import "github.com/dkeye/Signal/internal/domain"

// ClientCapabilities are browser-like receive capabilities matching the
// default router codecs.
func ClientCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{
		Codecs: []domain.RtpCodecCapability{
			{
				Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2,
				PreferredPayloadType: 100,
				RtcpFeedback:         []domain.RtcpFeedback{{Type: "transport-cc"}},
			},
			{
				Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000,
				PreferredPayloadType: 101,
				RtcpFeedback: []domain.RtcpFeedback{
					{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "transport-cc"},
				},
			},
		},
		HeaderExtensions: []domain.RtpHeaderExtension{},
	}
}

// AudioOnlyCapabilities cannot receive video.
func AudioOnlyCapabilities() domain.RtpCapabilities {
	caps := ClientCapabilities()
	caps.Codecs = caps.Codecs[:1]
	return caps
}

// SendParameters returns send parameters for kind with the given SSRC.
func SendParameters(kind domain.MediaKind, ssrc uint32) domain.RtpParameters {
	codec := domain.RtpCodecParameters{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}
	if kind == domain.KindVideo {
		codec = domain.RtpCodecParameters{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}
	}
	return domain.RtpParameters{
		Mid:       "0",
		Codecs:    []domain.RtpCodecParameters{codec},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: ssrc}},
		Rtcp:      domain.RtcpParameters{Cname: "client-cname"},
	}
}
