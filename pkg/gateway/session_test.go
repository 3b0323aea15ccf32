package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_gateway/pkg/dave"
)

// fakeChannel - контрольный канал в памяти
type fakeChannel struct {
	mu        sync.Mutex
	text      []*TextMessage
	bin       []*BinaryMessage
	sendErr   error
	incoming  chan *Message
	closeCode int
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		incoming:  make(chan *Message, 16),
		closeCode: 1000,
	}
}

func (c *fakeChannel) Send(msg *TextMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.text = append(c.text, msg)
	return nil
}

func (c *fakeChannel) SendBinary(msg *BinaryMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bin = append(c.bin, msg)
	return nil
}

func (c *fakeChannel) Receive() (*Message, error) {
	msg, ok := <-c.incoming
	if !ok {
		c.mu.Lock()
		code := c.closeCode
		c.mu.Unlock()
		return nil, &CloseError{Code: code}
	}
	return msg, nil
}

func (c *fakeChannel) Close(code int) error {
	c.terminate(code)
	return nil
}

// terminate закрывает канал со стороны сервера с кодом
func (c *fakeChannel) terminate(code int) {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.incoming) })
}

func (c *fakeChannel) push(msg *Message) {
	c.incoming <- msg
}

func (c *fakeChannel) pushText(op int, payload interface{}) {
	data, _ := json.Marshal(payload)
	c.push(&Message{Text: &TextMessage{Op: op, Data: data}})
}

func (c *fakeChannel) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeChannel) textOps() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]int, len(c.text))
	for i, msg := range c.text {
		ops[i] = msg.Op
	}
	return ops
}

func (c *fakeChannel) countOp(op int) int {
	n := 0
	for _, o := range c.textOps() {
		if o == op {
			n++
		}
	}
	return n
}

func (c *fakeChannel) lastText(t *testing.T, op int, v interface{}) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.text) - 1; i >= 0; i-- {
		if c.text[i].Op == op {
			require.NoError(t, json.Unmarshal(c.text[i].Data, v))
			return
		}
	}
	t.Fatalf("no message with op %d was sent", op)
}

func (c *fakeChannel) binaryOps() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]byte, len(c.bin))
	for i, msg := range c.bin {
		ops[i] = msg.Op
	}
	return ops
}

// fakeDialer выдает новый fakeChannel на каждое подключение
type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	dialErr  error
}

func (d *fakeDialer) dial(ctx context.Context, endpoint string) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	ch := newFakeChannel()
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[i]
}

// fakeSecure записывает вызовы внешнего MLS-движка
type fakeSecure struct {
	mu             sync.Mutex
	reinits        []uint16
	resets         int
	passthrough    []int // grace кадры каждого включения
	externalSender [][]byte
	proposalsKnown [][]string
	commitWelcome  []byte
	commits        [][]byte
	welcomes       [][]byte
	commitErr      error
	welcomeErr     error
}

func (f *fakeSecure) Encrypt(mt dave.MediaType, c dave.Codec, frame []byte) ([]byte, error) {
	return frame, nil
}

func (f *fakeSecure) EncryptOpus(frame []byte) ([]byte, error) { return frame, nil }

func (f *fakeSecure) SerializedKeyPackage() ([]byte, error) {
	return []byte{0x4B, 0x50}, nil
}

func (f *fakeSecure) ProcessProposals(payload []byte, knownUserIDs []string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposalsKnown = append(f.proposalsKnown, knownUserIDs)
	return f.commitWelcome, nil
}

func (f *fakeSecure) ProcessCommit(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, payload)
	return f.commitErr
}

func (f *fakeSecure) ProcessWelcome(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.welcomes = append(f.welcomes, payload)
	return f.welcomeErr
}

func (f *fakeSecure) SetExternalSender(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.externalSender = append(f.externalSender, payload)
	return nil
}

func (f *fakeSecure) SetPassthroughMode(enabled bool, graceFrames int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if enabled {
		f.passthrough = append(f.passthrough, graceFrames)
	}
}

func (f *fakeSecure) Reinit(protocolVersion uint16, userID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reinits = append(f.reinits, protocolVersion)
	return nil
}

func (f *fakeSecure) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeSecure) passthroughGraces() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.passthrough...)
}

func newTestSession(t *testing.T, dialer *fakeDialer, secure *fakeSecure) *Session {
	t.Helper()
	config := SessionConfig{
		ServerID:               "guild-1",
		UserID:                 "user-1",
		ChannelID:              "channel-1",
		Dial:                   dialer.dial,
		MaxDaveProtocolVersion: 1,
	}
	if secure != nil {
		config.Secure = secure
	}
	s, err := NewSession(config)
	require.NoError(t, err)
	return s
}

func TestStartRequiresBothCredentials(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)

	err := s.Start()
	require.Error(t, err, "Start without credentials is a fatal configuration error")
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ErrorCodeMissingCredentials, gwErr.Code)

	require.NoError(t, s.SetSession("sess-1"))
	assert.Equal(t, 0, dialer.count(), "Half of the credentials must not open the channel")

	require.NoError(t, s.SetTokens("voice.example", "tok"))
	assert.Equal(t, 1, dialer.count(), "Both credentials together open the channel once")

	require.NoError(t, s.Stop())
}

func TestExactlyOneIdentifyPerOpen(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)

	require.NoError(t, s.SetSession("sess-1"))
	require.NoError(t, s.SetTokens("voice.example", "tok"))
	require.NoError(t, s.Start(), "A second Start on a running session is a no-op")
	require.Equal(t, 1, dialer.count())

	ch := dialer.channel(0)
	assert.Equal(t, 1, ch.countOp(OpIdentify))
	assert.Equal(t, 0, ch.countOp(OpResume))

	var identify identifyPayload
	ch.lastText(t, OpIdentify, &identify)
	assert.Equal(t, "guild-1", identify.ServerID)
	assert.Equal(t, "sess-1", identify.SessionID)
	assert.Equal(t, "tok", identify.Token)
	assert.Equal(t, StateIdentifying, s.State())

	require.NoError(t, s.Stop())
}

func TestResumeOnRestartCode(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	require.NoError(t, s.SetSession("sess-1"))
	require.NoError(t, s.SetTokens("voice.example", "tok"))

	// Код 4015 - сервер перезапущен, сессия возобновляется
	dialer.channel(0).terminate(4015)

	require.Eventually(t, func() bool { return dialer.count() == 2 },
		time.Second, 5*time.Millisecond, "Close code 4015 must trigger a reconnect")

	ch := dialer.channel(1)
	require.Eventually(t, func() bool { return ch.countOp(OpResume) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ch.countOp(OpIdentify),
		"Reconnect after an abnormal close sends Resume, not Identify")
	assert.Equal(t, StateResuming, s.State())

	require.NoError(t, s.Stop())
}

func TestTerminalCloseCode(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)

	closedCode := make(chan int, 1)
	s.SetClosedHandler(func(code int) { closedCode <- code })

	require.NoError(t, s.SetSession("sess-1"))
	require.NoError(t, s.SetTokens("voice.example", "tok"))

	dialer.channel(0).terminate(4004) // ошибка аутентификации

	select {
	case code := <-closedCode:
		assert.Equal(t, 4004, code)
	case <-time.After(time.Second):
		t.Fatal("Terminal close must invoke the closed handler")
	}
	assert.Equal(t, 1, dialer.count(), "Terminal close codes must not reconnect")
	assert.Equal(t, StateClosed, s.State())
}

func TestStopPreventsReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	require.NoError(t, s.SetSession("sess-1"))
	require.NoError(t, s.SetTokens("voice.example", "tok"))

	require.NoError(t, s.Stop())
	require.Eventually(t, func() bool { return s.State() == StateClosed },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dialer.count(), "Stop must not trigger a reconnect")
}

func TestStopDuringDial(t *testing.T) {
	dialing := make(chan struct{})
	release := make(chan struct{})
	ch := newFakeChannel()
	dial := func(ctx context.Context, endpoint string) (Channel, error) {
		close(dialing)
		<-release
		return ch, nil
	}
	s, err := NewSession(SessionConfig{
		ServerID: "guild-1",
		UserID:   "user-1",
		Dial:     dial,
	})
	require.NoError(t, err)
	require.NoError(t, s.SetSession("sess-1"))

	done := make(chan error, 1)
	go func() { done <- s.SetTokens("voice.example", "tok") }()

	<-dialing
	require.NoError(t, s.Stop())
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 0, ch.countOp(OpIdentify),
		"A channel opened after Stop must not start a session")
	s.mu.Lock()
	installed := s.channel
	s.mu.Unlock()
	assert.Nil(t, installed)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch.incoming:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "The late channel must be closed")
}

func TestReadySignalsMediaPlan(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)

	readyCh := make(chan ReadyInfo, 1)
	s.SetReadyHandler(func(info ReadyInfo) { readyCh <- info })

	require.NoError(t, s.SetSession("sess-1"))
	require.NoError(t, s.SetTokens("voice.example", "tok"))

	dialer.channel(0).pushText(OpReady, readyPayload{
		SSRC:  1234,
		IP:    "203.0.113.10",
		Port:  50001,
		Modes: []string{"aead_aes256_gcm_rtpsize"},
	})

	select {
	case info := <-readyCh:
		assert.Equal(t, uint32(1234), info.SSRC)
		assert.Equal(t, "203.0.113.10", info.IP)
		assert.Equal(t, 50001, info.Port)
	case <-time.After(time.Second):
		t.Fatal("Ready must invoke the ready handler")
	}
	assert.Equal(t, StateReady, s.State())

	require.NoError(t, s.Stop())
}

func TestHeartbeatCarriesLastSeq(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	ch := newFakeChannel()

	s.lastSeq.Store(42)
	s.startHeartbeat(ch, 10*time.Millisecond)
	defer s.stopHeartbeat()

	require.Eventually(t, func() bool { return ch.countOp(OpHeartbeat) >= 2 },
		time.Second, 5*time.Millisecond)

	var hb heartbeatPayload
	ch.lastText(t, OpHeartbeat, &hb)
	assert.Equal(t, int64(42), hb.SeqAck)
	assert.NotZero(t, hb.T)
}

func TestHeartbeatSurvivesSendFailure(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	ch := newFakeChannel()
	ch.setSendErr(errors.New("socket stalled"))

	s.startHeartbeat(ch, 10*time.Millisecond)
	defer s.stopHeartbeat()

	// Тикер продолжает работать несмотря на ошибки отправки
	time.Sleep(40 * time.Millisecond)
	ch.setSendErr(nil)
	require.Eventually(t, func() bool { return ch.countOp(OpHeartbeat) >= 1 },
		time.Second, 5*time.Millisecond, "The next tick after a failure must retry")
}

func TestTransitionZeroAppliesImmediately(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	ch := newFakeChannel()

	s.prepareTransition(ch, prepareTransitionPayload{TransitionID: 0, ProtocolVersion: 4})

	assert.Equal(t, uint16(4), s.Epoch(), "Transition id 0 is applied synchronously")
	assert.Equal(t, 0, ch.countOp(OpDaveTransitionReady),
		"Transition id 0 needs no round-trip")
}

func TestUnknownExecuteDoesNotMutateEpoch(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)

	s.mu.Lock()
	s.epoch = 3
	s.mu.Unlock()

	s.executeTransition(9)

	assert.Equal(t, uint16(3), s.Epoch(), "Unknown transition id must be dropped")
	assert.False(t, s.Downgraded())
}

func TestDowngradeAndUpgradeCycle(t *testing.T) {
	dialer := &fakeDialer{}
	secure := &fakeSecure{}
	s := newTestSession(t, dialer, secure)
	ch := newFakeChannel()

	s.mu.Lock()
	s.epoch = 1
	s.mu.Unlock()

	// Подготовка понижения: passthrough на 120 кадров и transition ready
	s.prepareTransition(ch, prepareTransitionPayload{TransitionID: 3, ProtocolVersion: 0})
	require.Equal(t, []int{120}, secure.passthroughGraces())
	var ready transitionReadyPayload
	ch.lastText(t, OpDaveTransitionReady, &ready)
	assert.Equal(t, uint16(3), ready.TransitionID)
	assert.Equal(t, uint16(1), s.Epoch(), "The switch-over waits for execute")

	s.executeTransition(3)
	assert.Equal(t, uint16(0), s.Epoch())
	assert.True(t, s.Downgraded())

	// Обратное повышение снимает флаг и открывает короткое окно
	s.prepareTransition(ch, prepareTransitionPayload{TransitionID: 4, ProtocolVersion: 1})
	s.executeTransition(4)
	assert.Equal(t, uint16(1), s.Epoch())
	assert.False(t, s.Downgraded())
	assert.Equal(t, []int{120, 10}, secure.passthroughGraces())
}

func TestOutOfOrderPrepareDropped(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	ch := newFakeChannel()

	s.prepareTransition(ch, prepareTransitionPayload{TransitionID: 5, ProtocolVersion: 2})

	// Пока переход 5 не разрешен, анонс с меньшим id отбрасывается
	s.prepareTransition(ch, prepareTransitionPayload{TransitionID: 4, ProtocolVersion: 3})

	s.executeTransition(4)
	assert.Equal(t, uint16(0), s.Epoch(), "The dropped prepare must leave no pending state")

	s.executeTransition(5)
	assert.Equal(t, uint16(2), s.Epoch())
}

func TestUpgradePrepareAcksAfterCommit(t *testing.T) {
	dialer := &fakeDialer{}
	secure := &fakeSecure{}
	s := newTestSession(t, dialer, secure)
	ch := newFakeChannel()

	s.prepareTransition(ch, prepareTransitionPayload{TransitionID: 6, ProtocolVersion: 2})
	assert.Equal(t, 0, ch.countOp(OpDaveTransitionReady),
		"Readiness for an upgrade is signalled only after the commit is processed")

	payload := append([]byte{0x00, 0x06}, 0xC0)
	s.handleBinary(ch, &BinaryMessage{Seq: 1, Op: BinaryOpAnnounceCommitTransition, Payload: payload})
	require.Equal(t, 1, ch.countOp(OpDaveTransitionReady))
	var ready transitionReadyPayload
	ch.lastText(t, OpDaveTransitionReady, &ready)
	assert.Equal(t, uint16(6), ready.TransitionID)

	s.executeTransition(6)
	assert.Equal(t, uint16(2), s.Epoch(),
		"The commit must not displace the prepared target epoch")
	assert.False(t, s.Downgraded())
}

func TestCommitFailureResynchronizes(t *testing.T) {
	dialer := &fakeDialer{}
	secure := &fakeSecure{commitErr: errors.New("epoch mismatch")}
	s := newTestSession(t, dialer, secure)
	ch := newFakeChannel()

	s.mu.Lock()
	s.epoch = 2
	s.mu.Unlock()

	payload := append([]byte{0x00, 0x07}, 0xC0, 0xC1)
	s.handleBinary(ch, &BinaryMessage{Seq: 11, Op: BinaryOpAnnounceCommitTransition, Payload: payload})

	var invalid invalidCommitPayload
	ch.lastText(t, OpDaveInvalidCommitWelcome, &invalid)
	assert.Equal(t, uint16(7), invalid.TransitionID)

	// Ресинхронизация: Reinit активной эпохи и новый key package
	assert.Equal(t, []uint16{2}, secure.reinits)
	assert.Contains(t, ch.binaryOps(), byte(BinaryOpKeyPackage))
	assert.Equal(t, int64(11), s.lastSeq.Load())
}

func TestCommitSuccessArmsPendingTransition(t *testing.T) {
	dialer := &fakeDialer{}
	secure := &fakeSecure{}
	s := newTestSession(t, dialer, secure)
	ch := newFakeChannel()

	payload := append([]byte{0x00, 0x08}, 0xC0)
	s.handleBinary(ch, &BinaryMessage{Seq: 1, Op: BinaryOpAnnounceCommitTransition, Payload: payload})

	require.Equal(t, [][]byte{{0xC0}}, secure.commits)
	var ready transitionReadyPayload
	ch.lastText(t, OpDaveTransitionReady, &ready)
	assert.Equal(t, uint16(8), ready.TransitionID)
}

func TestProposalsRelayCommitWelcome(t *testing.T) {
	dialer := &fakeDialer{}
	secure := &fakeSecure{commitWelcome: []byte{0xAA, 0xBB}}
	s := newTestSession(t, dialer, secure)
	ch := newFakeChannel()

	s.mu.Lock()
	s.peers["user-9"] = struct{}{}
	s.peers["user-2"] = struct{}{}
	s.mu.Unlock()

	s.handleBinary(ch, &BinaryMessage{Seq: 3, Op: BinaryOpProposals, Payload: []byte{0x01}})

	require.Len(t, secure.proposalsKnown, 1)
	assert.Equal(t, []string{"user-2", "user-9"}, secure.proposalsKnown[0],
		"Proposals are processed against the sorted peer roster")

	ops := ch.binaryOps()
	require.Len(t, ops, 1)
	assert.Equal(t, byte(BinaryOpCommitWelcome), ops[0])
}

func TestExternalSenderForwarded(t *testing.T) {
	dialer := &fakeDialer{}
	secure := &fakeSecure{}
	s := newTestSession(t, dialer, secure)
	ch := newFakeChannel()

	s.handleBinary(ch, &BinaryMessage{Seq: 1, Op: BinaryOpExternalSender, Payload: []byte{0xE5}})
	assert.Equal(t, [][]byte{{0xE5}}, secure.externalSender)
}

func TestPeerRoster(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	ch := newFakeChannel()

	s.handleText(ch, textMsg(t, OpClientsConnect, clientsConnectPayload{UserIDs: []string{"a", "b"}}))
	assert.Equal(t, []string{"a", "b"}, s.Peers())

	s.handleText(ch, textMsg(t, OpClientDisconnect, clientDisconnectPayload{UserID: "a"}))
	assert.Equal(t, []string{"b"}, s.Peers())
}

func TestSessionDescriptionInitsDave(t *testing.T) {
	dialer := &fakeDialer{}
	secure := &fakeSecure{}
	s := newTestSession(t, dialer, secure)
	ch := newFakeChannel()

	s.handleText(ch, textMsg(t, OpSessionDescription, sessionDescriptionPayload{
		Mode:                "aead_aes256_gcm_rtpsize",
		DaveProtocolVersion: 1,
	}))

	assert.Equal(t, uint16(1), s.Epoch())
	assert.Equal(t, []uint16{1}, secure.reinits)
	assert.Contains(t, ch.binaryOps(), byte(BinaryOpKeyPackage))
}

func TestSessionDescriptionEpochZeroResets(t *testing.T) {
	dialer := &fakeDialer{}
	secure := &fakeSecure{}
	s := newTestSession(t, dialer, secure)
	ch := newFakeChannel()

	s.handleText(ch, textMsg(t, OpSessionDescription, sessionDescriptionPayload{
		Mode: "aead_aes256_gcm_rtpsize",
	}))

	assert.Equal(t, uint16(0), s.Epoch())
	assert.Equal(t, 1, secure.resets)
	assert.Equal(t, []int{10}, secure.passthroughGraces(),
		"Epoch 0 resets into a short passthrough window")
}

func textMsg(t *testing.T, op int, payload interface{}) *TextMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &TextMessage{Op: op, Data: data}
}
