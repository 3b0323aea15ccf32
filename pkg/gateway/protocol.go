package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Опкоды JSON сообщений контрольного канала
const (
	OpIdentify           = 0
	OpSelectProtocol     = 1
	OpReady              = 2
	OpHeartbeat          = 3
	OpSessionDescription = 4
	OpSpeaking           = 5
	OpHeartbeatAck       = 6
	OpResume             = 7
	OpHello              = 8
	OpResumed            = 9
	OpClientsConnect     = 11
	OpVideo              = 12
	OpClientDisconnect   = 13

	// Опкоды эпох и переходов сквозного шифрования
	OpDavePrepareTransition    = 21
	OpDaveExecuteTransition    = 22
	OpDaveTransitionReady      = 23
	OpDavePrepareEpoch         = 24
	OpDaveInvalidCommitWelcome = 31
)

// Опкоды бинарных MLS сообщений
const (
	BinaryOpExternalSender           = 25
	BinaryOpKeyPackage               = 26
	BinaryOpProposals                = 27
	BinaryOpCommitWelcome            = 28
	BinaryOpAnnounceCommitTransition = 29
	BinaryOpWelcome                  = 30
)

// TextMessage - JSON кадр контрольного канала {op, d, seq?}
type TextMessage struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"seq,omitempty"`
}

// BinaryMessage - бинарный кадр фиксированной раскладки:
// seq (u16 big-endian), op (u8), payload
type BinaryMessage struct {
	Seq     uint16
	Op      byte
	Payload []byte
}

// Marshal сериализует бинарный кадр
func (m *BinaryMessage) Marshal() []byte {
	out := make([]byte, 3+len(m.Payload))
	binary.BigEndian.PutUint16(out, m.Seq)
	out[2] = m.Op
	copy(out[3:], m.Payload)
	return out
}

// parseBinaryMessage разбирает бинарный кадр
func parseBinaryMessage(data []byte) (*BinaryMessage, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("gateway: бинарный кадр короче 3 байт")
	}
	return &BinaryMessage{
		Seq:     binary.BigEndian.Uint16(data),
		Op:      data[2],
		Payload: data[3:],
	}, nil
}

// Message - одно входящее сообщение: либо JSON, либо бинарное
type Message struct {
	Text   *TextMessage
	Binary *BinaryMessage
}

// CloseError сигнализирует закрытие контрольного канала с кодом
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway: канал закрыт с кодом %d: %s", e.Code, e.Reason)
}

// identifyPayload - запрос открытия новой сессии (op 0)
type identifyPayload struct {
	ServerID               string `json:"server_id"`
	UserID                 string `json:"user_id"`
	SessionID              string `json:"session_id"`
	Token                  string `json:"token"`
	Video                  bool   `json:"video"`
	MaxDaveProtocolVersion uint16 `json:"max_dave_protocol_version"`
}

// resumePayload - запрос возобновления сессии на новом сокете (op 7)
type resumePayload struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	SeqAck    int64  `json:"seq_ack"`
}

// helloPayload - серверный интервал heartbeat (op 8)
type helloPayload struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"` // миллисекунды
}

// heartbeatPayload - периодическое подтверждение жизни (op 3)
type heartbeatPayload struct {
	T      int64 `json:"t"`
	SeqAck int64 `json:"seq_ack"`
}

// readyPayload - параметры медиа плана, назначенные сервером (op 2)
type readyPayload struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// selectProtocolPayload - выбор транспорта и кодеков (op 1)
type selectProtocolPayload struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolData `json:"data"`
	Codecs   []CodecDescription `json:"codecs,omitempty"`
	MaxDave  uint16             `json:"max_dave_protocol_version"`
}

type selectProtocolData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

// CodecDescription описывает один кодек в selectProtocol
type CodecDescription struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "audio" или "video"
	Priority    int    `json:"priority"`
	PayloadType uint8  `json:"payload_type"`
	RTXPayload  uint8  `json:"rtx_payload_type,omitempty"`
}

// sessionDescriptionPayload - подтверждение выбора протокола (op 4)
type sessionDescriptionPayload struct {
	Mode                string `json:"mode"`
	SecretKey           []byte `json:"secret_key"`
	DaveProtocolVersion uint16 `json:"dave_protocol_version"`
}

// speakingPayload - индикация голосовой активности (op 5)
type speakingPayload struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// videoPayload - атрибуты видео трека (op 12).
// Всегда один слой качества.
type videoPayload struct {
	AudioSSRC uint32        `json:"audio_ssrc"`
	VideoSSRC uint32        `json:"video_ssrc"`
	RTXSSRC   uint32        `json:"rtx_ssrc"`
	Streams   []videoStream `json:"streams"`
}

type videoStream struct {
	Type       string `json:"type"`
	RID        string `json:"rid"`
	SSRC       uint32 `json:"ssrc"`
	RTXSSRC    uint32 `json:"rtx_ssrc"`
	Active     bool   `json:"active"`
	Quality    int    `json:"quality"`
	MaxBitrate int    `json:"max_bitrate"`
}

// prepareTransitionPayload - анонс подготовки перехода эпохи (op 21)
type prepareTransitionPayload struct {
	TransitionID    uint16 `json:"transition_id"`
	ProtocolVersion uint16 `json:"protocol_version"`
}

// executeTransitionPayload - команда применения перехода (op 22)
type executeTransitionPayload struct {
	TransitionID uint16 `json:"transition_id"`
}

// transitionReadyPayload - подтверждение готовности клиента (op 23)
type transitionReadyPayload struct {
	TransitionID uint16 `json:"transition_id"`
}

// prepareEpochPayload - анонс новой эпохи шифрования (op 24)
type prepareEpochPayload struct {
	Epoch           uint32 `json:"epoch"`
	ProtocolVersion uint16 `json:"protocol_version"`
}

// invalidCommitPayload - сигнал о неразборчивом commit/welcome (op 31)
type invalidCommitPayload struct {
	TransitionID uint16 `json:"transition_id"`
}

// clientsConnectPayload - присоединившиеся участники (op 11)
type clientsConnectPayload struct {
	UserIDs []string `json:"user_ids"`
}

// clientDisconnectPayload - покинувший участник (op 13)
type clientDisconnectPayload struct {
	UserID string `json:"user_id"`
}
