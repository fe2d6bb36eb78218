package protocol

import "fmt"

// Builders return complete framed messages (header + payload) ready for a
// single SendAll call.

// MakeJoin builds the legacy unauthenticated join request.
func MakeJoin(username string) []byte {
	b := newMsgBuilder(MsgJoin)
	b.putString(truncate(username, MaxUsernameLen))
	return b.finish()
}

// MakeWelcome builds the legacy join response.
func MakeWelcome(clientID uint32, udpPort uint16) []byte {
	b := newMsgBuilder(MsgWelcome)
	b.putU32(clientID)
	b.putU16(udpPort)
	return b.finish()
}

// MakeUserJoined announces a present client to the room.
func MakeUserJoined(clientID uint32, username string) []byte {
	b := newMsgBuilder(MsgUserJoined)
	b.putU32(clientID)
	b.putString(truncate(username, MaxUsernameLen))
	return b.finish()
}

// MakeUserLeft announces a departed client.
func MakeUserLeft(clientID uint32) []byte {
	b := newMsgBuilder(MsgUserLeft)
	b.putU32(clientID)
	return b.finish()
}

// MakeLeave builds the client's leave request.
func MakeLeave() []byte {
	return newMsgBuilder(MsgLeave).finish()
}

// MakeTextChat builds the client→server chat message.
func MakeTextChat(text string) []byte {
	b := newMsgBuilder(MsgTextChat)
	b.putString(truncate(text, MaxChatLen))
	return b.finish()
}

// MakeTextChatBroadcast builds the server→all chat record
// (v2: seq + sender id + timestamp + name + text).
func MakeTextChatBroadcast(seq uint64, clientID uint32, ts int64, name, text string) []byte {
	b := newMsgBuilder(MsgTextChat)
	b.putU64(seq)
	b.putU32(clientID)
	b.putU64(uint64(ts))
	b.putString(truncate(name, MaxUsernameLen))
	b.putString(truncate(text, MaxChatLen))
	return b.finish()
}

// MakeChatSync builds the client's history-replay request.
func MakeChatSync(lastSeq uint64) []byte {
	b := newMsgBuilder(MsgChatSync)
	b.putU64(lastSeq)
	return b.finish()
}

// MakeVoiceJoin builds the voice-channel join request.
func MakeVoiceJoin() []byte { return newMsgBuilder(MsgVoiceJoin).finish() }

// MakeVoiceLeave builds the voice-channel leave request.
func MakeVoiceLeave() []byte { return newMsgBuilder(MsgVoiceLeave).finish() }

// MakeVoiceJoined announces a client entering the voice channel.
func MakeVoiceJoined(clientID uint32) []byte {
	b := newMsgBuilder(MsgVoiceJoined)
	b.putU32(clientID)
	return b.finish()
}

// MakeVoiceLeft announces a client leaving the voice channel.
func MakeVoiceLeft(clientID uint32) []byte {
	b := newMsgBuilder(MsgVoiceLeft)
	b.putU32(clientID)
	return b.finish()
}

// MakeScreenStart builds the client request or, with a non-zero sharer id,
// the server broadcast.
func MakeScreenStart() []byte { return newMsgBuilder(MsgScreenStart).finish() }

// MakeScreenStartBroadcast announces that sharerID started sharing.
func MakeScreenStartBroadcast(sharerID uint32) []byte {
	b := newMsgBuilder(MsgScreenStart)
	b.putU32(sharerID)
	return b.finish()
}

// MakeScreenStop builds the client stop request.
func MakeScreenStop() []byte { return newMsgBuilder(MsgScreenStop).finish() }

// MakeScreenStopBroadcast announces that sharerID stopped sharing.
func MakeScreenStopBroadcast(sharerID uint32) []byte {
	b := newMsgBuilder(MsgScreenStop)
	b.putU32(sharerID)
	return b.finish()
}

// MakeScreenSubscribe requests targetID's screen stream.
func MakeScreenSubscribe(targetID uint32) []byte {
	b := newMsgBuilder(MsgScreenSubscribe)
	b.putU32(targetID)
	return b.finish()
}

// MakeScreenUnsubscribe cancels a screen subscription.
func MakeScreenUnsubscribe(targetID uint32) []byte {
	b := newMsgBuilder(MsgScreenUnsubscribe)
	b.putU32(targetID)
	return b.finish()
}

// MakeScreenFrame builds the client→server video frame message.
func MakeScreenFrame(width, height uint16, flags byte, h264 []byte) []byte {
	b := newMsgBuilder(MsgScreenFrame)
	b.putU16(width)
	b.putU16(height)
	b.putByte(flags)
	b.putBytes(h264)
	return b.finish()
}

// MakeScreenFrameRelay builds the server→subscriber video frame message.
func MakeScreenFrameRelay(sharerID uint32, width, height uint16, flags byte, h264 []byte) []byte {
	b := newMsgBuilder(MsgScreenFrame)
	b.putU32(sharerID)
	b.putU16(width)
	b.putU16(height)
	b.putByte(flags)
	b.putBytes(h264)
	return b.finish()
}

// MakeScreenAudio builds the client→server system-audio message.
func MakeScreenAudio(opusData []byte) []byte {
	b := newMsgBuilder(MsgScreenAudio)
	b.putBytes(opusData)
	return b.finish()
}

// MakeScreenAudioRelay builds the server→subscriber system-audio message.
func MakeScreenAudioRelay(sharerID uint32, opusData []byte) []byte {
	b := newMsgBuilder(MsgScreenAudio)
	b.putU32(sharerID)
	b.putBytes(opusData)
	return b.finish()
}

// MakeScreenRequestKeyframe asks a sharer to force an IDR on its next frame.
func MakeScreenRequestKeyframe() []byte {
	return newMsgBuilder(MsgScreenRequestKeyframe).finish()
}

// MakeUpdateAvailable announces a newer client build.
func MakeUpdateAvailable(version, url string) []byte {
	b := newMsgBuilder(MsgUpdateAvailable)
	b.putString(version)
	b.putString(url)
	return b.finish()
}

// MakeAuthRegisterReq builds a registration request.
func MakeAuthRegisterReq(username, password string) []byte {
	b := newMsgBuilder(MsgAuthRegisterReq)
	b.putString(truncate(username, MaxUsernameLen))
	b.putString(truncate(password, MaxPasswordLen))
	return b.finish()
}

// MakeAuthRegisterResp builds a registration response.
func MakeAuthRegisterResp(status AuthStatus, message string) []byte {
	return makeStatusResp(MsgAuthRegisterResp, status, message)
}

// MakeAuthLoginReq builds a password login request.
func MakeAuthLoginReq(username, password string) []byte {
	b := newMsgBuilder(MsgAuthLoginReq)
	b.putString(truncate(username, MaxUsernameLen))
	b.putString(truncate(password, MaxPasswordLen))
	return b.finish()
}

// MakeAuthLoginResp builds a login response. token must be TokenSize bytes
// when status is StatusOK; on failure a zero token is sent.
func MakeAuthLoginResp(status AuthStatus, clientID uint32, udpPort uint16, token []byte, message string) []byte {
	return makeLoginResp(MsgAuthLoginResp, status, clientID, udpPort, token, message)
}

// MakeAuthTokenLoginReq builds a rolling-token login request.
func MakeAuthTokenLoginReq(username string, token []byte) []byte {
	b := newMsgBuilder(MsgAuthTokenLoginReq)
	b.putString(truncate(username, MaxUsernameLen))
	var t [TokenSize]byte
	copy(t[:], token)
	b.putBytes(t[:])
	return b.finish()
}

// MakeAuthTokenLoginResp builds a token login response (same layout as
// the password login response).
func MakeAuthTokenLoginResp(status AuthStatus, clientID uint32, udpPort uint16, token []byte, message string) []byte {
	return makeLoginResp(MsgAuthTokenLoginRes, status, clientID, udpPort, token, message)
}

// MakeAuthChangePassReq builds a password change request.
func MakeAuthChangePassReq(oldPass, newPass string) []byte {
	b := newMsgBuilder(MsgAuthChangePassReq)
	b.putString(oldPass)
	b.putString(newPass)
	return b.finish()
}

// MakeAuthChangePassResp builds a password change response.
func MakeAuthChangePassResp(status AuthStatus, message string) []byte {
	return makeStatusResp(MsgAuthChangePassRes, status, message)
}

// MakeAuthDeleteAcctReq builds an account deletion request.
func MakeAuthDeleteAcctReq(password string) []byte {
	b := newMsgBuilder(MsgAuthDeleteAcctReq)
	b.putString(password)
	return b.finish()
}

// MakeAuthDeleteAcctResp builds an account deletion response.
func MakeAuthDeleteAcctResp(status AuthStatus, message string) []byte {
	return makeStatusResp(MsgAuthDeleteAcctRes, status, message)
}

// MakeAuthLogout builds a logout request.
func MakeAuthLogout() []byte { return newMsgBuilder(MsgAuthLogout).finish() }

func makeStatusResp(msgType byte, status AuthStatus, message string) []byte {
	b := newMsgBuilder(msgType)
	b.putByte(byte(status))
	b.putString(message)
	return b.finish()
}

func makeLoginResp(msgType byte, status AuthStatus, clientID uint32, udpPort uint16, token []byte, message string) []byte {
	b := newMsgBuilder(msgType)
	b.putByte(byte(status))
	b.putU32(clientID)
	b.putU16(udpPort)
	var t [TokenSize]byte
	copy(t[:], token)
	b.putBytes(t[:])
	b.putString(message)
	return b.finish()
}

// Parsed payload types.

// UserJoined is the parsed USER_JOINED payload.
type UserJoined struct {
	ClientID uint32
	Username string
}

// ChatBroadcast is the parsed server→all TEXT_CHAT payload.
type ChatBroadcast struct {
	Seq       uint64
	ClientID  uint32
	Timestamp int64
	Sender    string
	Text      string
}

// ScreenFrame is the parsed SCREEN_FRAME payload. SharerID is zero for the
// client→server direction.
type ScreenFrame struct {
	SharerID uint32
	Width    uint16
	Height   uint16
	Flags    byte
	Data     []byte
}

// IsKeyframe reports whether the IDR bit is set.
func (f ScreenFrame) IsKeyframe() bool { return f.Flags&ScreenFlagKeyIDR != 0 }

// ScreenAudio is the parsed SCREEN_AUDIO payload. SharerID is zero for the
// client→server direction.
type ScreenAudio struct {
	SharerID uint32
	Opus     []byte
}

// Credentials is the parsed register/login request payload.
type Credentials struct {
	Username string
	Password string
}

// TokenLogin is the parsed AUTH_TOKEN_LOGIN_REQ payload.
type TokenLogin struct {
	Username string
	Token    [TokenSize]byte
}

// LoginResp is the parsed AUTH_LOGIN_RESP / AUTH_TOKEN_LOGIN_RESP payload.
type LoginResp struct {
	Status   AuthStatus
	ClientID uint32
	UDPPort  uint16
	Token    [TokenSize]byte
	Message  string
}

// StatusResp is the parsed status+message response payload.
type StatusResp struct {
	Status  AuthStatus
	Message string
}

// PassChange is the parsed AUTH_CHANGE_PASS_REQ payload.
type PassChange struct {
	OldPassword string
	NewPassword string
}

// UpdateNotice is the parsed UPDATE_AVAILABLE payload.
type UpdateNotice struct {
	Version string
	URL     string
}

// ParseUserJoined parses a USER_JOINED payload.
func ParseUserJoined(payload []byte) (UserJoined, error) {
	r := newPayloadReader(payload)
	id, err := r.readU32()
	if err != nil {
		return UserJoined{}, malformed("user_joined", err)
	}
	name, err := r.readString()
	if err != nil {
		return UserJoined{}, malformed("user_joined", err)
	}
	return UserJoined{ClientID: id, Username: name}, nil
}

// ParseClientID parses any payload that is a single u32 id
// (USER_LEFT, VOICE_JOINED, VOICE_LEFT, SCREEN_START/STOP broadcasts,
// SCREEN_SUBSCRIBE/UNSUBSCRIBE).
func ParseClientID(payload []byte) (uint32, error) {
	r := newPayloadReader(payload)
	id, err := r.readU32()
	if err != nil {
		return 0, malformed("client_id", err)
	}
	return id, nil
}

// ParseTextChat parses the client→server TEXT_CHAT payload.
func ParseTextChat(payload []byte) (string, error) {
	r := newPayloadReader(payload)
	text, err := r.readString()
	if err != nil {
		return "", malformed("text_chat", err)
	}
	return text, nil
}

// ParseChatBroadcast parses the server→all TEXT_CHAT payload.
func ParseChatBroadcast(payload []byte) (ChatBroadcast, error) {
	r := newPayloadReader(payload)
	var c ChatBroadcast
	var err error
	if c.Seq, err = r.readU64(); err != nil {
		return c, malformed("chat_broadcast", err)
	}
	if c.ClientID, err = r.readU32(); err != nil {
		return c, malformed("chat_broadcast", err)
	}
	ts, err := r.readU64()
	if err != nil {
		return c, malformed("chat_broadcast", err)
	}
	c.Timestamp = int64(ts)
	if c.Sender, err = r.readString(); err != nil {
		return c, malformed("chat_broadcast", err)
	}
	if c.Text, err = r.readString(); err != nil {
		return c, malformed("chat_broadcast", err)
	}
	return c, nil
}

// ParseChatSync parses the CHAT_SYNC payload.
func ParseChatSync(payload []byte) (uint64, error) {
	r := newPayloadReader(payload)
	seq, err := r.readU64()
	if err != nil {
		return 0, malformed("chat_sync", err)
	}
	return seq, nil
}

// ParseScreenFrame parses the client→server SCREEN_FRAME payload.
func ParseScreenFrame(payload []byte) (ScreenFrame, error) {
	return parseScreenFrame(payload, false)
}

// ParseScreenFrameRelay parses the server→subscriber SCREEN_FRAME payload.
func ParseScreenFrameRelay(payload []byte) (ScreenFrame, error) {
	return parseScreenFrame(payload, true)
}

func parseScreenFrame(payload []byte, withSharer bool) (ScreenFrame, error) {
	r := newPayloadReader(payload)
	var f ScreenFrame
	var err error
	if withSharer {
		if f.SharerID, err = r.readU32(); err != nil {
			return f, malformed("screen_frame", err)
		}
	}
	if f.Width, err = r.readU16(); err != nil {
		return f, malformed("screen_frame", err)
	}
	if f.Height, err = r.readU16(); err != nil {
		return f, malformed("screen_frame", err)
	}
	if f.Flags, err = r.readByte(); err != nil {
		return f, malformed("screen_frame", err)
	}
	f.Data = r.rest()
	return f, nil
}

// ParseScreenAudio parses the client→server SCREEN_AUDIO payload.
func ParseScreenAudio(payload []byte) ScreenAudio {
	return ScreenAudio{Opus: payload}
}

// ParseScreenAudioRelay parses the server→subscriber SCREEN_AUDIO payload.
func ParseScreenAudioRelay(payload []byte) (ScreenAudio, error) {
	r := newPayloadReader(payload)
	id, err := r.readU32()
	if err != nil {
		return ScreenAudio{}, malformed("screen_audio", err)
	}
	return ScreenAudio{SharerID: id, Opus: r.rest()}, nil
}

// ParseCredentials parses a register or password-login request payload.
func ParseCredentials(payload []byte) (Credentials, error) {
	r := newPayloadReader(payload)
	var c Credentials
	var err error
	if c.Username, err = r.readString(); err != nil {
		return c, malformed("credentials", err)
	}
	if c.Password, err = r.readString(); err != nil {
		return c, malformed("credentials", err)
	}
	return c, nil
}

// ParseTokenLogin parses an AUTH_TOKEN_LOGIN_REQ payload.
func ParseTokenLogin(payload []byte) (TokenLogin, error) {
	r := newPayloadReader(payload)
	var t TokenLogin
	var err error
	if t.Username, err = r.readString(); err != nil {
		return t, malformed("token_login", err)
	}
	tok, err := r.readBytes(TokenSize)
	if err != nil {
		return t, malformed("token_login", err)
	}
	copy(t.Token[:], tok)
	return t, nil
}

// ParseLoginResp parses an AUTH_LOGIN_RESP or AUTH_TOKEN_LOGIN_RESP payload.
func ParseLoginResp(payload []byte) (LoginResp, error) {
	r := newPayloadReader(payload)
	var lr LoginResp
	st, err := r.readByte()
	if err != nil {
		return lr, malformed("login_resp", err)
	}
	lr.Status = AuthStatus(st)
	if lr.ClientID, err = r.readU32(); err != nil {
		return lr, malformed("login_resp", err)
	}
	if lr.UDPPort, err = r.readU16(); err != nil {
		return lr, malformed("login_resp", err)
	}
	tok, err := r.readBytes(TokenSize)
	if err != nil {
		return lr, malformed("login_resp", err)
	}
	copy(lr.Token[:], tok)
	if lr.Message, err = r.readString(); err != nil {
		return lr, malformed("login_resp", err)
	}
	return lr, nil
}

// ParseStatusResp parses a status+message response payload.
func ParseStatusResp(payload []byte) (StatusResp, error) {
	r := newPayloadReader(payload)
	st, err := r.readByte()
	if err != nil {
		return StatusResp{}, malformed("status_resp", err)
	}
	msg, err := r.readString()
	if err != nil {
		return StatusResp{}, malformed("status_resp", err)
	}
	return StatusResp{Status: AuthStatus(st), Message: msg}, nil
}

// ParsePassChange parses an AUTH_CHANGE_PASS_REQ payload.
func ParsePassChange(payload []byte) (PassChange, error) {
	r := newPayloadReader(payload)
	var p PassChange
	var err error
	if p.OldPassword, err = r.readString(); err != nil {
		return p, malformed("pass_change", err)
	}
	if p.NewPassword, err = r.readString(); err != nil {
		return p, malformed("pass_change", err)
	}
	return p, nil
}

// ParseDeleteAcct parses an AUTH_DELETE_ACCT_REQ payload.
func ParseDeleteAcct(payload []byte) (string, error) {
	r := newPayloadReader(payload)
	pass, err := r.readString()
	if err != nil {
		return "", malformed("delete_acct", err)
	}
	return pass, nil
}

// ParseUpdateNotice parses an UPDATE_AVAILABLE payload.
func ParseUpdateNotice(payload []byte) (UpdateNotice, error) {
	r := newPayloadReader(payload)
	var u UpdateNotice
	var err error
	if u.Version, err = r.readString(); err != nil {
		return u, malformed("update_notice", err)
	}
	if u.URL, err = r.readString(); err != nil {
		return u, malformed("update_notice", err)
	}
	return u, nil
}

// ParseJoin parses the legacy JOIN payload.
func ParseJoin(payload []byte) (string, error) {
	r := newPayloadReader(payload)
	name, err := r.readString()
	if err != nil {
		return "", malformed("join", err)
	}
	return name, nil
}

// Welcome is the parsed legacy WELCOME payload.
type Welcome struct {
	ClientID uint32
	UDPPort  uint16
}

// ParseWelcome parses the legacy WELCOME payload.
func ParseWelcome(payload []byte) (Welcome, error) {
	r := newPayloadReader(payload)
	var w Welcome
	var err error
	if w.ClientID, err = r.readU32(); err != nil {
		return w, malformed("welcome", err)
	}
	if w.UDPPort, err = r.readU16(); err != nil {
		return w, malformed("welcome", err)
	}
	return w, nil
}

// ValidUsername reports whether name is 1–32 chars of [A-Za-z0-9_].
func ValidUsername(name string) bool {
	if len(name) == 0 || len(name) > MaxUsernameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}

// ValidPassword reports whether the password length is within 8–128 bytes.
func ValidPassword(pass string) bool {
	return len(pass) >= MinPasswordLen && len(pass) <= MaxPasswordLen
}

func malformed(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, field, err)
}
