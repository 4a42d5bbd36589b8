package domain

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// DirectionFromSender maps the createWebRtcTransport sender flag.
func DirectionFromSender(sender bool) Direction {
	if sender {
		return DirectionSend
	}
	return DirectionReceive
}

type DtlsState string

const (
	DtlsStateNew        DtlsState = "new"
	DtlsStateConnecting DtlsState = "connecting"
	DtlsStateConnected  DtlsState = "connected"
	DtlsStateFailed     DtlsState = "failed"
	DtlsStateClosed     DtlsState = "closed"
)

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment" validate:"required"`
	Password         string `json:"password" validate:"required"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Ip         string `json:"ip" validate:"required"`
	Protocol   string `json:"protocol" validate:"required,oneof=udp tcp"`
	Port       uint16 `json:"port" validate:"required"`
	Type       string `json:"type" validate:"required"`
	TcpType    string `json:"tcpType,omitempty"`
}

type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm" validate:"required"`
	Value     string `json:"value" validate:"required"`
}

type DtlsParameters struct {
	Role         DtlsRole          `json:"role,omitempty" validate:"omitempty,oneof=auto client server"`
	Fingerprints []DtlsFingerprint `json:"fingerprints" validate:"required,min=1,dive"`
}

// TransportParams is what a client needs to build its side of a transport.
type TransportParams struct {
	ID             string         `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

// ConnectParams carries the remote side of a transport.
type ConnectParams struct {
	DtlsParameters DtlsParameters
	IceParameters  *IceParameters
	IceCandidates  []IceCandidate
}

// ConsumerParams is returned to the client for a new consumer.
type ConsumerParams struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}
