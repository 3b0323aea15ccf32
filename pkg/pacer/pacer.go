// Package pacer реализует контроллер темпа отправки медиа потоков.
//
// Каждый поток (аудио или видео) обслуживается циклом-потребителем,
// который читает очередной access unit из источника, выдерживает паузу
// равную дельте presentation time от предыдущего и передает unit
// дальше в packetizer. Два потока могут быть связаны в SyncGroup,
// ограничивающую взаимный дрейф часов; burst режим позволяет слить
// начальный буфер без пауз и синхронизации.
package pacer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/voice_gateway/pkg/media"
)

// Sink принимает упакованные access unit'ы. Реализуется треком
// packetizer'а; ошибка отправки завершает поток.
type Sink interface {
	SendAccessUnit(au *media.AccessUnit) error
}

// StreamConfig конфигурация одного потока
type StreamConfig struct {
	// Source источник access unit'ов (io.EOF - конец потока)
	Source media.Source

	// Sink приемник, обычно трек packetizer'а
	Sink Sink

	// Pacing включает выдерживание пауз между unit'ами.
	// Выключается на время burst режима.
	Pacing bool

	Logger *slog.Logger
}

// Stream - цикл-потребитель одного медиа потока. Создается один раз,
// Run вызывается ровно один раз; счетчики потока мутируются только
// собственным циклом.
type Stream struct {
	source media.Source
	sink   Sink
	log    *slog.Logger

	pacing  atomic.Bool
	lastPTS atomic.Int64 // наносекунды

	group *SyncGroup

	// advanceCh закрывается и пересоздается на каждом продвижении PTS,
	// давая партнеру широковещательное уведомление
	advanceMu sync.Mutex
	advanceCh chan struct{}

	handlerMu    sync.RWMutex
	onPTSAdvance func(pts time.Duration)

	active atomic.Bool
	done   chan struct{}
}

// NewStream создает поток поверх источника и приемника
func NewStream(config StreamConfig) (*Stream, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("pacer: источник обязателен")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("pacer: приемник обязателен")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Stream{
		source:    config.Source,
		sink:      config.Sink,
		log:       log,
		advanceCh: make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.pacing.Store(config.Pacing)
	return s, nil
}

// SetPacing включает или выключает паузы между unit'ами
func (s *Stream) SetPacing(enabled bool) {
	s.pacing.Store(enabled)
}

// PacingEnabled сообщает активен ли режим пауз
func (s *Stream) PacingEnabled() bool {
	return s.pacing.Load()
}

// LastPTS возвращает presentation time последнего отправленного unit'а
func (s *Stream) LastPTS() time.Duration {
	return time.Duration(s.lastPTS.Load())
}

// Done закрывается когда цикл потока завершился
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// SetPTSAdvanceHandler устанавливает обработчик продвижения PTS.
// Обработчик вызывается из цикла потока после отправки unit'а;
// nil снимает обработчик.
func (s *Stream) SetPTSAdvanceHandler(handler func(pts time.Duration)) {
	s.handlerMu.Lock()
	s.onPTSAdvance = handler
	s.handlerMu.Unlock()
}

// Run запускает цикл потока и блокируется до его завершения.
// Возвращает nil при io.EOF источника, ошибку контекста при отмене
// и ошибку отправки если приемник отверг unit.
func (s *Stream) Run(ctx context.Context) error {
	if !s.active.CompareAndSwap(false, true) {
		return fmt.Errorf("pacer: поток уже запущен")
	}
	defer close(s.done)

	var prevPTS time.Duration
	first := true
	for {
		au, err := s.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.log.Debug("источник потока завершился")
			return nil
		}
		if err != nil {
			return fmt.Errorf("pacer: чтение источника: %w", err)
		}
		if au == nil {
			continue
		}

		if !first && s.pacing.Load() {
			if err := s.sleep(ctx, au.PTS-prevPTS); err != nil {
				return err
			}
		}

		if err := s.waitForPartner(ctx, au.PTS); err != nil {
			return err
		}

		if err := s.sink.SendAccessUnit(au); err != nil {
			return fmt.Errorf("pacer: отправка access unit: %w", err)
		}

		s.advancePTS(au.PTS)
		prevPTS = au.PTS
		first = false
	}
}

// sleep выдерживает паузу d с реакцией на отмену контекста
func (s *Stream) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForPartner блокирует отправку unit'а, пока его PTS опережает
// часы партнера больше чем на один тик синхронизации. Завершение
// партнера снимает ожидание (поток никогда не блокируется навсегда).
func (s *Stream) waitForPartner(ctx context.Context, pts time.Duration) error {
	g := s.group
	if g == nil || !g.SyncEnabled() {
		return nil
	}
	partner := g.partnerOf(s)
	if partner == nil {
		return nil
	}
	for pts > partner.LastPTS()+g.tick {
		ch := partner.advanceWait()
		// Повторная проверка после захвата канала: партнер мог
		// продвинуться между проверкой и подпиской
		if pts <= partner.LastPTS()+g.tick {
			return nil
		}
		select {
		case <-ch:
		case <-partner.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// advancePTS фиксирует продвижение часов потока и будит ожидающего
// партнера
func (s *Stream) advancePTS(pts time.Duration) {
	s.lastPTS.Store(int64(pts))

	s.advanceMu.Lock()
	close(s.advanceCh)
	s.advanceCh = make(chan struct{})
	s.advanceMu.Unlock()

	s.handlerMu.RLock()
	handler := s.onPTSAdvance
	s.handlerMu.RUnlock()
	if handler != nil {
		handler(pts)
	}
}

// advanceWait возвращает канал, закрывающийся при следующем продвижении
// PTS этого потока
func (s *Stream) advanceWait() <-chan struct{} {
	s.advanceMu.Lock()
	defer s.advanceMu.Unlock()
	return s.advanceCh
}
