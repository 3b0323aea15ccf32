// Package gateway реализует сессию контрольного канала голосового
// сервера: рукопожатие identify/resume, heartbeat, согласование
// параметров медиа плана и протокол переходов между эпохами сквозного
// шифрования (DAVE).
//
// Сессия владеет состоянием SessionState единолично: все мутации
// выполняются под одним мьютексом, вызовы внешнего MLS-движка
// сериализуются отдельным мьютексом (одновременные encrypt и обработка
// commit недопустимы).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/voice_gateway/pkg/dave"
)

// Коды закрытия, после которых сессия переподключается с Resume:
// 4015 (сервер перезапущен) и все коды ниже 4000
func resumableClose(code int) bool {
	return code == 4015 || code < 4000
}

// ReadyInfo - параметры медиа плана, назначенные сервером
type ReadyInfo struct {
	SSRC  uint32
	IP    string
	Port  int
	Modes []string
}

// SessionConfig конфигурация сессии контрольного канала
type SessionConfig struct {
	// ServerID идентификатор сервера (guild)
	ServerID string

	// UserID идентификатор локального пользователя
	UserID string

	// ChannelID идентификатор голосового канала
	ChannelID string

	// Dial открывает контрольный канал (DialChannel для боевого
	// websocket транспорта)
	Dial Dialer

	// Secure внешний MLS-движок сквозного шифрования.
	// nil - сессия работает без E2EE.
	Secure dave.SecureSession

	// MaxDaveProtocolVersion максимальная поддерживаемая версия DAVE
	MaxDaveProtocolVersion uint16

	// Codecs список кодеков для SelectProtocol
	Codecs []CodecDescription

	Metrics *Metrics
	Logger  *slog.Logger
}

// Session - машина состояний одной сессии контрольного канала.
// Жизненный цикл: idle -> awaiting_credentials -> identifying|resuming
// -> ready -> closed; переподключение с resume проходит через resuming.
type Session struct {
	config  SessionConfig
	log     *slog.Logger
	metrics *Metrics
	machine *fsm.FSM

	// lastSeq - последний подтвержденный номер серверного сообщения
	lastSeq atomic.Int64

	mu         sync.Mutex
	channel    Channel
	sessionID  string
	endpoint   string
	token      string
	hasSession bool
	hasToken   bool
	started    bool
	resuming   bool
	stopped    bool

	ready        ReadyInfo
	videoEnabled bool

	epoch              uint16
	pendingTransitions map[uint16]uint16 // transition id -> целевая эпоха
	downgraded         bool
	peers              map[string]struct{}

	heartbeatCancel context.CancelFunc

	// daveMu сериализует вызовы внешнего MLS-движка
	daveMu sync.Mutex

	handlerMu sync.RWMutex
	onReady   func(info ReadyInfo)
	onClosed  func(code int)
}

// NewSession создает сессию контрольного канала
func NewSession(config SessionConfig) (*Session, error) {
	if config.Dial == nil {
		return nil, newGatewayError(ErrorCodeSessionInvalidConfig, "",
			"функция открытия канала обязательна")
	}
	if config.ServerID == "" || config.UserID == "" {
		return nil, newGatewayError(ErrorCodeSessionInvalidConfig, "",
			"идентификаторы сервера и пользователя обязательны")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		config:             config,
		log:                log,
		metrics:            config.Metrics,
		machine:            newSessionFSM(),
		pendingTransitions: make(map[uint16]uint16),
		peers:              make(map[string]struct{}),
	}, nil
}

// State возвращает текущее состояние сессии
func (s *Session) State() string {
	return s.machine.Current()
}

// Epoch возвращает активную эпоху (версию протокола DAVE)
func (s *Session) Epoch() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Downgraded сообщает находится ли сессия на эпохе 0 после понижения
func (s *Session) Downgraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downgraded
}

// Peers возвращает отсортированный список известных участников
func (s *Session) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerListLocked()
}

func (s *Session) peerListLocked() []string {
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetReadyHandler устанавливает обработчик готовности медиа плана
func (s *Session) SetReadyHandler(handler func(info ReadyInfo)) {
	s.handlerMu.Lock()
	s.onReady = handler
	s.handlerMu.Unlock()
}

// SetClosedHandler устанавливает обработчик терминального закрытия
func (s *Session) SetClosedHandler(handler func(code int)) {
	s.handlerMu.Lock()
	s.onClosed = handler
	s.handlerMu.Unlock()
}

// SetSession устанавливает идентификатор сессии (первая половина
// учетных данных) и пытается открыть канал
func (s *Session) SetSession(sessionID string) error {
	s.mu.Lock()
	s.sessionID = sessionID
	s.hasSession = true
	s.mu.Unlock()
	s.transition("credentials")
	return s.tryStart()
}

// SetTokens устанавливает endpoint и токен (вторая половина учетных
// данных) и пытается открыть канал
func (s *Session) SetTokens(endpoint, token string) error {
	s.mu.Lock()
	s.endpoint = endpoint
	s.token = token
	s.hasToken = true
	s.mu.Unlock()
	s.transition("credentials")
	return s.tryStart()
}

// Start открывает контрольный канал. В отличие от tryStart отсутствие
// учетных данных - фатальная ошибка конфигурации.
func (s *Session) Start() error {
	s.mu.Lock()
	ok := s.hasSession && s.hasToken
	sessionID := s.sessionID
	s.mu.Unlock()
	if !ok {
		return newGatewayError(ErrorCodeMissingCredentials, sessionID,
			"identify невозможен без session id и токена")
	}
	return s.tryStart()
}

// tryStart открывает канал, когда обе половины учетных данных
// установлены и сессия еще не запущена; иначе no-op. На успешное
// открытие отправляется ровно один Identify или Resume.
func (s *Session) tryStart() error {
	s.mu.Lock()
	if s.stopped || s.started || !s.hasSession || !s.hasToken {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	endpoint := s.endpoint
	token := s.token
	resuming := s.resuming
	sessionID := s.sessionID
	s.mu.Unlock()

	ch, err := s.config.Dial(context.Background(), endpoint)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return &GatewayError{
			Code:      ErrorCodeChannelDial,
			Message:   fmt.Sprintf("открытие канала %s", endpoint),
			SessionID: sessionID,
			Wrapped:   err,
		}
	}

	s.mu.Lock()
	if s.stopped {
		// Stop пришел пока открывался канал: не запускать сессию
		s.started = false
		s.mu.Unlock()
		_ = ch.Close(1000)
		return nil
	}
	s.channel = ch
	s.mu.Unlock()

	if resuming {
		s.transition("open_resume")
		err = s.sendJSON(ch, OpResume, resumePayload{
			ServerID:  s.config.ServerID,
			SessionID: sessionID,
			Token:     token,
			SeqAck:    s.lastSeq.Load(),
		})
	} else {
		s.transition("open_identify")
		err = s.sendJSON(ch, OpIdentify, identifyPayload{
			ServerID:               s.config.ServerID,
			UserID:                 s.config.UserID,
			SessionID:              sessionID,
			Token:                  token,
			Video:                  true,
			MaxDaveProtocolVersion: s.config.MaxDaveProtocolVersion,
		})
	}
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.channel = nil
		s.mu.Unlock()
		_ = ch.Close(1000)
		return &GatewayError{
			Code:      ErrorCodeChannelSend,
			Message:   "отправка рукопожатия",
			SessionID: sessionID,
			Wrapped:   err,
		}
	}

	go s.readLoop(ch)
	return nil
}

// Stop закрывает контрольный канал и останавливает heartbeat;
// дальнейших переподключений не будет
func (s *Session) Stop() error {
	s.stopHeartbeat()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.started = false
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	s.transition("close")
	if ch != nil {
		return ch.Close(1000)
	}
	return nil
}

// SelectProtocol отправляет выбор транспорта и кодеков после получения
// Ready (адрес и порт - результат внешнего UDP discovery)
func (s *Session) SelectProtocol(address string, port int, mode string) error {
	s.mu.Lock()
	ch := s.channel
	sessionID := s.sessionID
	s.mu.Unlock()
	if ch == nil {
		return newGatewayError(ErrorCodeChannelClosed, sessionID,
			"канал не открыт")
	}
	return s.sendJSON(ch, OpSelectProtocol, selectProtocolPayload{
		Protocol: "udp",
		Data:     selectProtocolData{Address: address, Port: port, Mode: mode},
		Codecs:   s.config.Codecs,
		MaxDave:  s.config.MaxDaveProtocolVersion,
	})
}

// SetSpeaking отправляет индикацию голосовой активности
func (s *Session) SetSpeaking(speaking bool) error {
	s.mu.Lock()
	ch := s.channel
	ssrc := s.ready.SSRC
	sessionID := s.sessionID
	s.mu.Unlock()
	if ch == nil {
		return newGatewayError(ErrorCodeChannelClosed, sessionID,
			"канал не открыт")
	}
	flags := 0
	if speaking {
		flags = 1 // микрофон
	}
	return s.sendJSON(ch, OpSpeaking, speakingPayload{
		Speaking: flags,
		SSRC:     ssrc,
	})
}

// SetVideo включает или выключает видео трек.
// Всегда один слой качества.
func (s *Session) SetVideo(enabled bool, videoSSRC, rtxSSRC uint32) error {
	s.mu.Lock()
	ch := s.channel
	audioSSRC := s.ready.SSRC
	sessionID := s.sessionID
	s.videoEnabled = enabled
	s.mu.Unlock()
	if ch == nil {
		return newGatewayError(ErrorCodeChannelClosed, sessionID,
			"канал не открыт")
	}
	payload := videoPayload{AudioSSRC: audioSSRC}
	if enabled {
		payload.VideoSSRC = videoSSRC
		payload.RTXSSRC = rtxSSRC
		payload.Streams = []videoStream{{
			Type:    "video",
			RID:     "100",
			SSRC:    videoSSRC,
			RTXSSRC: rtxSSRC,
			Active:  true,
			Quality: 100,
		}}
	}
	return s.sendJSON(ch, OpVideo, payload)
}

// sendJSON сериализует payload и отправляет его JSON кадром
func (s *Session) sendJSON(ch Channel, op int, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gateway: сериализация payload op=%d: %w", op, err)
	}
	return ch.Send(&TextMessage{Op: op, Data: data})
}

// transition выполняет событие машины состояний; отклоненные переходы
// не фатальны
func (s *Session) transition(event string) {
	from := s.machine.Current()
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.log.Debug("переход состояния отклонен",
			"event", event, "state", from, "error", err)
		return
	}
	s.metrics.recordTransition(from, s.machine.Current())
}

// readLoop обрабатывает входящие сообщения до закрытия канала
func (s *Session) readLoop(ch Channel) {
	for {
		msg, err := ch.Receive()
		if err != nil {
			s.handleDisconnect(err)
			return
		}
		switch {
		case msg.Text != nil:
			s.handleText(ch, msg.Text)
		case msg.Binary != nil:
			s.handleBinary(ch, msg.Binary)
		}
	}
}

// handleDisconnect обрабатывает закрытие канала: resume для
// возобновляемых кодов, терминальное закрытие для остальных
func (s *Session) handleDisconnect(err error) {
	s.stopHeartbeat()

	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	s.channel = nil
	stopped := s.stopped
	sessionID := s.sessionID
	s.mu.Unlock()

	code := 0
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	if !stopped && wasStarted && resumableClose(code) {
		s.log.Info("канал закрыт, переподключение с resume",
			"session_id", sessionID, "code", code)
		s.mu.Lock()
		s.resuming = true
		s.mu.Unlock()
		s.metrics.recordResume()
		if rerr := s.tryStart(); rerr == nil {
			return
		}
		s.log.Error("переподключение не удалось", "code", code)
	}

	s.transition("close")
	s.handlerMu.RLock()
	handler := s.onClosed
	s.handlerMu.RUnlock()
	if handler != nil {
		handler(code)
	}
}

// handleText обрабатывает JSON сообщение. Неразборчивые payload'ы
// логируются и отбрасываются, конвейер не останавливается.
func (s *Session) handleText(ch Channel, msg *TextMessage) {
	if msg.Seq != nil {
		s.lastSeq.Store(*msg.Seq)
	}

	switch msg.Op {
	case OpHello:
		var p helloPayload
		if !s.parsePayload(msg, &p) {
			return
		}
		s.startHeartbeat(ch, time.Duration(p.HeartbeatInterval*float64(time.Millisecond)))

	case OpReady:
		var p readyPayload
		if !s.parsePayload(msg, &p) {
			return
		}
		s.mu.Lock()
		s.ready = ReadyInfo(p)
		// Видео атрибуты при открытии сессии выключены
		s.videoEnabled = false
		info := s.ready
		sessionID := s.sessionID
		s.mu.Unlock()
		s.transition("became_ready")
		s.log.Info("медиа план назначен",
			"session_id", sessionID, "ssrc", info.SSRC,
			"addr", fmt.Sprintf("%s:%d", info.IP, info.Port))
		s.handlerMu.RLock()
		handler := s.onReady
		s.handlerMu.RUnlock()
		if handler != nil {
			handler(info)
		}

	case OpResumed:
		s.transition("became_ready")
		s.log.Info("сессия возобновлена")

	case OpSessionDescription:
		var p sessionDescriptionPayload
		if !s.parsePayload(msg, &p) {
			return
		}
		s.mu.Lock()
		s.epoch = p.DaveProtocolVersion
		s.mu.Unlock()
		s.log.Info("протокол подтвержден",
			"mode", p.Mode, "dave_version", p.DaveProtocolVersion)
		s.initDave(ch)

	case OpDavePrepareTransition:
		var p prepareTransitionPayload
		if !s.parsePayload(msg, &p) {
			return
		}
		s.prepareTransition(ch, p)

	case OpDaveExecuteTransition:
		var p executeTransitionPayload
		if !s.parsePayload(msg, &p) {
			return
		}
		s.executeTransition(p.TransitionID)

	case OpDavePrepareEpoch:
		var p prepareEpochPayload
		if !s.parsePayload(msg, &p) {
			return
		}
		s.mu.Lock()
		s.epoch = p.ProtocolVersion
		s.mu.Unlock()
		s.initDave(ch)

	case OpClientsConnect:
		var p clientsConnectPayload
		if !s.parsePayload(msg, &p) {
			return
		}
		s.mu.Lock()
		for _, id := range p.UserIDs {
			s.peers[id] = struct{}{}
		}
		s.mu.Unlock()

	case OpClientDisconnect:
		var p clientDisconnectPayload
		if !s.parsePayload(msg, &p) {
			return
		}
		s.mu.Lock()
		delete(s.peers, p.UserID)
		s.mu.Unlock()

	case OpHeartbeatAck:
		// Подтверждение heartbeat, состояние не меняется

	default:
		s.log.Debug("необработанный опкод", "op", msg.Op)
	}
}

// parsePayload разбирает поле d; ошибки разбора не фатальны
func (s *Session) parsePayload(msg *TextMessage, v interface{}) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		s.log.Warn("неразборчивый payload",
			"op", msg.Op, "error", err)
		return false
	}
	return true
}

// startHeartbeat запускает периодическую отправку heartbeat с
// последним подтвержденным sequence number. Ошибки отправки
// проглатываются - следующий тик повторит.
func (s *Session) startHeartbeat(ch Channel, interval time.Duration) {
	s.stopHeartbeat()
	if interval <= 0 {
		s.log.Warn("некорректный интервал heartbeat", "interval", interval)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.heartbeatCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := s.sendJSON(ch, OpHeartbeat, heartbeatPayload{
					T:      time.Now().UnixMilli(),
					SeqAck: s.lastSeq.Load(),
				})
				s.metrics.recordHeartbeat(err)
				if err != nil {
					s.log.Debug("heartbeat не отправлен", "error", err)
				}
			}
		}
	}()
}

// stopHeartbeat останавливает таймер heartbeat, если он запущен
func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	cancel := s.heartbeatCancel
	s.heartbeatCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
