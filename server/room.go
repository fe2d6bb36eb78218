package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cm21968/LilyPad/auth"
	"github.com/cm21968/LilyPad/chatlog"
	"github.com/cm21968/LilyPad/protocol"
	"github.com/cm21968/LilyPad/transport"
)

// Room dispatches inbound messages from authenticated clients and owns
// the join/leave notification fan-out.
type Room struct {
	reg     *Registry
	sched   *Scheduler
	history *chatlog.History
	store   *auth.Store
	log     *slog.Logger
}

// NewRoom wires the controller to its collaborators.
func NewRoom(reg *Registry, sched *Scheduler, history *chatlog.History, store *auth.Store) *Room {
	return &Room{
		reg:     reg,
		sched:   sched,
		history: history,
		store:   store,
		log:     slog.With("component", "room"),
	}
}

// Broadcast sends msg to every present client.
func (rm *Room) Broadcast(msg []byte) {
	for _, c := range rm.reg.Snapshot() {
		if err := c.Send(msg); err != nil {
			rm.log.Debug("broadcast send failed", "id", c.ID, "error", err)
		}
	}
}

// RemoveClient removes id and notifies the rest of the room: USER_LEFT
// always, VOICE_LEFT when the client was in voice, SCREEN_STOP when it
// was sharing. Safe to call twice; the second call is a no-op.
func (rm *Room) RemoveClient(id uint32) {
	info, ok := rm.reg.Remove(id)
	if !ok {
		return
	}
	if info.WasInVoice {
		rm.Broadcast(protocol.MakeVoiceLeft(id))
	}
	if info.WasSharing {
		rm.Broadcast(protocol.MakeScreenStopBroadcast(id))
	}
	rm.Broadcast(protocol.MakeUserLeft(id))
	rm.log.Info("client left", "id", id, "username", info.Name)
}

// ReadLoop runs the dedicated per-client read task until the connection
// drops, a protocol violation occurs, or the client leaves.
func (rm *Room) ReadLoop(ctx context.Context, c *Client) {
	defer rm.RemoveClient(c.ID)
	defer c.CloseStream()

	for ctx.Err() == nil {
		h, payload, err := transport.ReadMessage(c.stream)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				rm.log.Debug("read loop ended", "id", c.ID, "error", err)
			}
			return
		}
		disconnect, err := rm.handle(c, h, payload)
		if err != nil {
			// Malformed payloads are protocol violations; drop the peer.
			rm.log.Warn("disconnecting client", "id", c.ID, "type", h.Type, "error", err)
			return
		}
		if disconnect {
			return
		}
	}
}

func (rm *Room) handle(c *Client, h protocol.Header, payload []byte) (disconnect bool, err error) {
	switch h.Type {
	case protocol.MsgLeave:
		return true, nil

	case protocol.MsgTextChat:
		text, err := protocol.ParseTextChat(payload)
		if err != nil {
			return false, err
		}
		if len(text) > protocol.MaxChatLen {
			text = text[:protocol.MaxChatLen]
		}
		rec, err := rm.history.Append(c.Name, time.Now().Unix(), text)
		if err != nil {
			rm.log.Error("chat append failed", "error", err)
			return false, nil
		}
		rm.Broadcast(protocol.MakeTextChatBroadcast(rec.Seq, c.ID, rec.Ts, rec.Sender, rec.Text))
		return false, nil

	case protocol.MsgChatSync:
		lastSeq, err := protocol.ParseChatSync(payload)
		if err != nil {
			return false, err
		}
		for _, rec := range rm.history.Since(lastSeq) {
			// Replayed records carry no live client id; senders may be
			// long gone.
			msg := protocol.MakeTextChatBroadcast(rec.Seq, 0, rec.Ts, rec.Sender, rec.Text)
			if err := c.Send(msg); err != nil {
				return false, nil
			}
		}
		return false, nil

	case protocol.MsgVoiceJoin:
		rm.reg.SetVoice(c.ID, true)
		rm.Broadcast(protocol.MakeVoiceJoined(c.ID))
		return false, nil

	case protocol.MsgVoiceLeave:
		rm.reg.SetVoice(c.ID, false)
		rm.Broadcast(protocol.MakeVoiceLeft(c.ID))
		return false, nil

	case protocol.MsgScreenStart:
		rm.reg.SetSharing(c.ID, true)
		rm.Broadcast(protocol.MakeScreenStartBroadcast(c.ID))
		rm.log.Info("screen share started", "id", c.ID)
		return false, nil

	case protocol.MsgScreenStop:
		rm.reg.SetSharing(c.ID, false)
		rm.Broadcast(protocol.MakeScreenStopBroadcast(c.ID))
		rm.log.Info("screen share stopped", "id", c.ID)
		return false, nil

	case protocol.MsgScreenSubscribe:
		targetID, err := protocol.ParseClientID(payload)
		if err != nil {
			return false, err
		}
		cached, target, ok := rm.reg.Subscribe(c.ID, targetID)
		if !ok {
			return false, nil
		}
		if cached != nil {
			// Late joiner: replay the last keyframe so decode starts
			// before the next IDR.
			if err := c.SendTimeout(cached, videoSendTimeout); err != nil {
				rm.log.Debug("cached keyframe send failed", "id", c.ID, "error", err)
			}
		} else if err := target.Send(protocol.MakeScreenRequestKeyframe()); err != nil {
			rm.log.Debug("keyframe request failed", "sharer", targetID, "error", err)
		}
		return false, nil

	case protocol.MsgScreenUnsubscribe:
		targetID, err := protocol.ParseClientID(payload)
		if err != nil {
			return false, err
		}
		rm.reg.Unsubscribe(c.ID, targetID)
		return false, nil

	case protocol.MsgScreenFrame:
		frame, err := protocol.ParseScreenFrame(payload)
		if err != nil {
			return false, err
		}
		relay := protocol.MakeScreenFrameRelay(c.ID, frame.Width, frame.Height, frame.Flags, frame.Data)
		if frame.IsKeyframe() {
			rm.reg.SetCachedKeyframe(c.ID, relay)
		}
		rm.sched.Enqueue(relay, c.ID, false, frame.IsKeyframe())
		return false, nil

	case protocol.MsgScreenAudio:
		sa := protocol.ParseScreenAudio(payload)
		rm.sched.Enqueue(protocol.MakeScreenAudioRelay(c.ID, sa.Opus), c.ID, true, false)
		return false, nil

	case protocol.MsgAuthChangePassReq:
		pc, err := protocol.ParsePassChange(payload)
		if err != nil {
			return false, err
		}
		res := rm.store.ChangePassword(c.UserID, pc.OldPassword, pc.NewPassword)
		_ = c.Send(protocol.MakeAuthChangePassResp(res.Status, res.Message))
		return false, nil

	case protocol.MsgAuthDeleteAcctReq:
		pass, err := protocol.ParseDeleteAcct(payload)
		if err != nil {
			return false, err
		}
		res := rm.store.DeleteAccount(c.UserID, pass)
		_ = c.Send(protocol.MakeAuthDeleteAcctResp(res.Status, res.Message))
		return res.Status == protocol.StatusOK, nil

	case protocol.MsgAuthLogout:
		rm.store.InvalidateAllSessions(c.UserID)
		return true, nil

	default:
		return false, errors.New("unexpected message type")
	}
}
