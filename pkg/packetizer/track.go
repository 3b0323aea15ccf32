package packetizer

import (
	"fmt"
	"log/slog"

	"github.com/arzzra/voice_gateway/pkg/media"
	"github.com/arzzra/voice_gateway/pkg/transport"
)

// Track связывает packetizer одного трека с медиа транспортом и
// опциональным генератором Sender Report. Создается один раз, когда
// сервер назначил SSRC и параметры кодека известны; конфигурация после
// создания не мутируется извне.
type Track struct {
	packetizer Packetizer
	transport  transport.MediaTransport
	reporter   *SenderReporter
	log        *slog.Logger
}

// TrackConfig конфигурация трека
type TrackConfig struct {
	Packetizer Packetizer
	Transport  transport.MediaTransport
	Reporter   *SenderReporter // nil - без RTCP отчетов
	Logger     *slog.Logger
}

// NewTrack создает трек поверх готового packetizer'а и транспорта
func NewTrack(config TrackConfig) (*Track, error) {
	if config.Packetizer == nil {
		return nil, fmt.Errorf("packetizer: packetizer обязателен")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("packetizer: транспорт обязателен")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Track{
		packetizer: config.Packetizer,
		transport:  config.Transport,
		reporter:   config.Reporter,
		log:        log,
	}, nil
}

// SendAccessUnit упаковывает access unit и отправляет все его пакеты.
// Отправка до готовности транспорта - no-op: медиа реального времени
// терпит потерю, сессия еще согласовывается.
func (t *Track) SendAccessUnit(au *media.AccessUnit) error {
	if !t.transport.IsReady() {
		return nil
	}

	packets, err := t.packetizer.Packetize(au)
	if err != nil {
		return err
	}

	for _, pkt := range packets {
		raw, merr := pkt.Marshal()
		if merr != nil {
			return fmt.Errorf("packetizer: маршалинг RTP пакета: %w", merr)
		}
		if serr := t.transport.SendRawFrame(raw); serr != nil {
			return fmt.Errorf("packetizer: отправка RTP пакета: %w", serr)
		}
		if t.reporter != nil {
			t.reporter.OnPacket(pkt.Header.Timestamp, len(pkt.Payload), au.PTS)
		}
	}
	return nil
}

// State возвращает снимок счетчиков трека
func (t *Track) State() State {
	return t.packetizer.State()
}
