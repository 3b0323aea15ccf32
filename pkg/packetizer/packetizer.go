// Package packetizer реализует RTP packetization закодированных access
// unit'ов для отправки на голосовой сервер.
//
// Формирование пакетов соответствует RFC 3550 (RTP), RFC 8285 (one-byte
// header extensions), RFC 6184 (H.264), RFC 7798 (H.265) и payload
// формату VP8. Каждому треку (аудио или видео) соответствует ровно один
// Packetizer, создаваемый после того как сервер назначил SSRC; счетчики
// sequence number и timestamp мутируются только циклом отправки этого
// трека и не разделяются между сессиями.
package packetizer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/voice_gateway/pkg/dave"
	"github.com/arzzra/voice_gateway/pkg/media"
)

// DefaultMTU - максимальный размер RTP payload до фрагментации.
// Запас до типичного сетевого MTU 1500 оставлен под RTP заголовок,
// расширения и оверхед шифрования.
const DefaultMTU = 1200

// DefaultPlayoutDelayID - идентификатор one-byte расширения playout-delay
const DefaultPlayoutDelayID = 5

// Packetizer превращает один access unit в упорядоченную
// последовательность готовых к отправке RTP пакетов
type Packetizer interface {
	// Packetize формирует пакеты очередного access unit и продвигает
	// счетчики трека. Пустой access unit дает пустой результат без ошибки.
	Packetize(au *media.AccessUnit) ([]*rtp.Packet, error)

	// State возвращает снимок счетчиков трека
	State() State

	// SSRC возвращает идентификатор источника трека
	SSRC() uint32
}

// State - снимок счетчиков одного трека
type State struct {
	SequenceNumber uint16 // Следующий sequence number (mod 2^16)
	Timestamp      uint32 // Текущий RTP timestamp (mod 2^32)
	PacketsSent    uint64
	OctetsSent     uint32 // Отправлено байт payload (mod 2^32)
}

// Config конфигурация packetizer'а одного трека
type Config struct {
	Codec       media.Codec
	SSRC        uint32
	PayloadType uint8

	// MTU максимальный размер payload; 0 означает DefaultMTU
	MTU int

	// Начальные значения счетчиков (если 0, генерируются случайно)
	InitialSequence  uint16
	InitialTimestamp uint32

	// PlayoutDelayID идентификатор расширения playout-delay
	// (0 означает DefaultPlayoutDelayID)
	PlayoutDelayID uint8

	// Encryptor включает сквозное шифрование payload перед packetization.
	// nil означает отправку открытым текстом.
	Encryptor dave.Encryptor

	Logger *slog.Logger
}

// New создает packetizer для кодека из конфигурации. Стратегия
// выбирается один раз при создании трека.
func New(config Config) (Packetizer, error) {
	if config.SSRC == 0 {
		return nil, fmt.Errorf("packetizer: SSRC обязателен")
	}
	state := newTrackState(config)
	switch config.Codec {
	case media.CodecOpus:
		return &opusPacketizer{trackState: state}, nil
	case media.CodecVP8:
		return &vp8Packetizer{trackState: state}, nil
	case media.CodecH264:
		return &h264Packetizer{trackState: state}, nil
	case media.CodecH265:
		return &h265Packetizer{trackState: state}, nil
	case media.CodecAV1:
		return newAV1Packetizer(state), nil
	default:
		return nil, fmt.Errorf("packetizer: неподдерживаемый кодек %s", config.Codec)
	}
}

// playoutDelayPayload - расширение playout-delay с min=max=0:
// два 12-битных значения в трех байтах
var playoutDelayPayload = []byte{0x00, 0x00, 0x00}

// trackState - общие счетчики и построение заголовков для всех кодеков
type trackState struct {
	ssrc           uint32
	payloadType    uint8
	clockRate      uint32
	mtu            int
	playoutDelayID uint8
	enc            dave.Encryptor
	log            *slog.Logger

	seq     uint16
	ts      uint32
	packets uint64
	octets  uint32
}

func newTrackState(config Config) trackState {
	s := trackState{
		ssrc:           config.SSRC,
		payloadType:    config.PayloadType,
		clockRate:      config.Codec.ClockRate(),
		mtu:            config.MTU,
		playoutDelayID: config.PlayoutDelayID,
		enc:            config.Encryptor,
		log:            config.Logger,
		seq:            config.InitialSequence,
		ts:             config.InitialTimestamp,
	}
	if s.mtu <= 0 {
		s.mtu = DefaultMTU
	}
	if s.playoutDelayID == 0 {
		s.playoutDelayID = DefaultPlayoutDelayID
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.seq == 0 {
		s.seq = randomUint16()
	}
	if s.ts == 0 {
		s.ts = randomUint32()
	}
	return s
}

// nextPacket строит RTP пакет с текущими счетчиками и пост-инкрементом
// sequence number. Timestamp пакета - текущее накопленное значение;
// оно продвигается отдельно, один раз на access unit.
func (s *trackState) nextPacket(payload []byte, marker bool) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	// One-byte extension (RFC 8285) с playout-delay min=max=0
	_ = pkt.Header.SetExtension(s.playoutDelayID, playoutDelayPayload)

	s.seq++
	s.packets++
	s.octets += uint32(len(payload))
	return pkt
}

// advanceClock продвигает RTP timestamp на длительность access unit
// с округлением до ближайшего целого такта
func (s *trackState) advanceClock(d time.Duration) {
	ticks := (d.Microseconds()*int64(s.clockRate) + 500000) / 1000000
	s.ts += uint32(ticks)
}

func (s *trackState) State() State {
	return State{
		SequenceNumber: s.seq,
		Timestamp:      s.ts,
		PacketsSent:    s.packets,
		OctetsSent:     s.octets,
	}
}

func (s *trackState) SSRC() uint32 {
	return s.ssrc
}

// chunkPayload нарезает payload на куски не больше size байт
func chunkPayload(payload []byte, size int) [][]byte {
	var chunks [][]byte
	for len(payload) > size {
		chunks = append(chunks, payload[:size])
		payload = payload[size:]
	}
	if len(payload) > 0 {
		chunks = append(chunks, payload)
	}
	return chunks
}

func randomUint16() uint16 {
	var v uint16
	_ = binary.Read(rand.Reader, binary.BigEndian, &v)
	if v == 0 {
		v = 1
	}
	return v
}

func randomUint32() uint32 {
	var v uint32
	_ = binary.Read(rand.Reader, binary.BigEndian, &v)
	if v == 0 {
		v = 1
	}
	return v
}
