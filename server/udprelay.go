package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/cm21968/LilyPad/protocol"
	"github.com/cm21968/LilyPad/transport"
)

const voicePollTimeout = 200 * time.Millisecond

// VoiceRelay forwards UDP voice datagrams between in-voice clients. The
// server never decodes them: a datagram is parsed only far enough to read
// the sender id, then relayed unmodified.
type VoiceRelay struct {
	ep  *transport.UDPEndpoint
	reg *Registry
	log *slog.Logger
}

// NewVoiceRelay wires the relay to the shared UDP endpoint.
func NewVoiceRelay(ep *transport.UDPEndpoint, reg *Registry) *VoiceRelay {
	return &VoiceRelay{ep: ep, reg: reg, log: slog.With("component", "voice-relay")}
}

// Run receives and relays datagrams until ctx is cancelled. The sender's
// address is learned from its first packet; relaying requires the sender
// to be present and in voice, and targets only other in-voice clients
// with learned addresses.
func (v *VoiceRelay) Run(ctx context.Context) error {
	buf := make([]byte, protocol.MaxVoicePacket)

	for ctx.Err() == nil {
		n, addr, ok, err := v.ep.RecvFrom(buf, voicePollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			v.log.Error("udp receive failed", "error", err)
			return err
		}
		if !ok || n < protocol.VoiceHeaderSize {
			continue
		}

		pkt, err := protocol.ParseVoicePacket(buf[:n])
		if err != nil {
			continue
		}

		inVoice, known := v.reg.LearnUDPAddr(pkt.ClientID, addr)
		if !known || !inVoice {
			continue
		}

		for _, peer := range v.reg.VoicePeers(pkt.ClientID) {
			if err := v.ep.SendTo(buf[:n], peer); err != nil {
				v.log.Debug("voice relay send failed", "peer", peer, "error", err)
			}
		}
	}
	return nil
}
