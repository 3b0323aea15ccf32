package packetizer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/rtcp"

	"github.com/arzzra/voice_gateway/pkg/dave"
)

// ntpEpochOffset - секунды между эпохой NTP (1900) и Unix (1970)
const ntpEpochOffset = 2208988800

// DefaultReportInterval - период RTCP Sender Report по медиа часам
const DefaultReportInterval = 5 * time.Second

// SenderReporter накапливает счетчики отправителя одного трека и
// периодически формирует RTCP Sender Report (RFC 3550 Section 6.4.1).
// Отчет шифруется так же, как медиа payload, когда активна защищенная
// сессия.
type SenderReporter struct {
	ssrc      uint32
	interval  time.Duration
	mediaType dave.MediaType
	codec     dave.Codec
	enc       dave.Encryptor
	send      func([]byte) error
	log       *slog.Logger

	packetCount uint32
	octetCount  uint32 // Накапливается mod 2^32
	lastPeriod  int64
	lastWall    time.Time
	lastRTPTime uint32
}

// SenderReporterConfig конфигурация генератора отчетов
type SenderReporterConfig struct {
	SSRC      uint32
	Interval  time.Duration // 0 означает DefaultReportInterval
	MediaType dave.MediaType
	Codec     dave.Codec
	Encryptor dave.Encryptor     // nil - отчеты открытым текстом
	Send      func([]byte) error // Отправка сериализованного отчета
	Logger    *slog.Logger
}

// NewSenderReporter создает генератор Sender Report для одного трека
func NewSenderReporter(config SenderReporterConfig) (*SenderReporter, error) {
	if config.Send == nil {
		return nil, fmt.Errorf("packetizer: функция отправки отчетов обязательна")
	}
	r := &SenderReporter{
		ssrc:      config.SSRC,
		interval:  config.Interval,
		mediaType: config.MediaType,
		codec:     config.Codec,
		enc:       config.Encryptor,
		send:      config.Send,
		log:       config.Logger,
	}
	if r.interval <= 0 {
		r.interval = DefaultReportInterval
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r, nil
}

// OnPacket учитывает отправленный RTP пакет. mediaTime - позиция медиа
// часов (PTS access unit'а); когда floor(mediaTime/interval) продвигается,
// формируется отчет. До пересечения первой границы интервала отчеты не
// уходят. Ошибки отправки отчета не фатальны.
func (r *SenderReporter) OnPacket(rtpTime uint32, payloadLen int, mediaTime time.Duration) {
	r.packetCount++
	r.octetCount += uint32(payloadLen)
	r.lastWall = time.Now()
	r.lastRTPTime = rtpTime

	period := int64(mediaTime / r.interval)
	if period <= r.lastPeriod {
		return
	}
	r.lastPeriod = period
	if err := r.emit(); err != nil {
		r.log.Warn("отправка sender report не удалась",
			"ssrc", r.ssrc, "error", err)
	}
}

// emit сериализует и отправляет Sender Report с NTP временем последней
// отправки пакета
func (r *SenderReporter) emit() error {
	sr := rtcp.SenderReport{
		SSRC:        r.ssrc,
		NTPTime:     toNTPTime(r.lastWall),
		RTPTime:     r.lastRTPTime,
		PacketCount: r.packetCount,
		OctetCount:  r.octetCount,
	}
	raw, err := sr.Marshal()
	if err != nil {
		return fmt.Errorf("сериализация sender report: %w", err)
	}
	if r.enc != nil {
		raw, err = r.enc.Encrypt(r.mediaType, r.codec, raw)
		if err != nil {
			return fmt.Errorf("шифрование sender report: %w", err)
		}
	}
	return r.send(raw)
}

// toNTPTime переводит wall-clock время в 64-битный fixed point формат
// NTP (32 бита секунд от эпохи 1900, 32 бита дробной части)
func toNTPTime(t time.Time) uint64 {
	seconds := uint64(t.Unix()) + ntpEpochOffset
	fraction := uint64(t.Nanosecond()) << 32 / 1e9
	return seconds<<32 | fraction
}
