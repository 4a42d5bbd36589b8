package domain

import "strings"

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecCapability is one entry of an RTP capability set as exchanged with
// the client library.
type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind" validate:"required,oneof=audio video"`
	MimeType             string         `json:"mimeType" validate:"required"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate" validate:"required"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	Uri         string    `json:"uri"`
	PreferredId int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs" validate:"required,min=1,dive"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType" validate:"required"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate" validate:"required"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

// IsRtx reports whether the codec is a retransmission codec rather than a
// media codec.
func (c RtpCodecParameters) IsRtx() bool {
	return strings.HasSuffix(strings.ToLower(c.MimeType), "/rtx")
}

type RtpEncodingParameters struct {
	Ssrc            uint32 `json:"ssrc,omitempty"`
	Rid             string `json:"rid,omitempty"`
	MaxBitrate      uint32 `json:"maxBitrate,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
	Dtx             bool   `json:"dtx,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	Uri     string `json:"uri"`
	Id      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs" validate:"required,min=1,dive"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

// MediaCodec returns the first non-RTX codec.
func (p RtpParameters) MediaCodec() (RtpCodecParameters, bool) {
	for _, c := range p.Codecs {
		if !c.IsRtx() {
			return c, true
		}
	}
	return RtpCodecParameters{}, false
}
