package message

import (
	"time"

	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

// Inbound is a decoded frame as it propagates from the codec through
// encapsulation stripping (spec.md §3 "Inbound message", §4.3).
type Inbound struct {
	Type      protocol.MsgType
	FuncID    byte
	Payload   []byte
	Received  time.Time

	SrcID byte

	// Encapsulation flags, set by the stripping steps in §4.3.
	MultiChannel bool
	SrcEP        byte
	TarEP        byte

	WasSecure bool

	// Orig holds the pre-decryption copy when Security stripped an
	// envelope, nil otherwise.
	Orig *Inbound
}

// CommandClass and Command return the inner CC/cmd bytes once any
// encapsulation has been stripped, i.e. Payload[0]/Payload[1] for an
// APPLICATION_COMMAND_HANDLER frame.
func (in *Inbound) CommandClass() byte {
	if len(in.Payload) < 1 {
		return 0
	}
	return in.Payload[0]
}

func (in *Inbound) Command() byte {
	if len(in.Payload) < 2 {
		return 0
	}
	return in.Payload[1]
}

// CCBytes returns the bytes following class/cmd.
func (in *Inbound) CCBytes() []byte {
	if len(in.Payload) < 2 {
		return nil
	}
	return in.Payload[2:]
}
