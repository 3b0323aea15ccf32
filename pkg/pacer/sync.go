package pacer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSyncTick - допустимое опережение часов партнера.
// Соответствует длительности одного аудио фрейма Opus.
const DefaultSyncTick = 20 * time.Millisecond

// SyncGroupConfig конфигурация пары синхронизируемых потоков
type SyncGroupConfig struct {
	Audio *Stream
	Video *Stream

	// Tick максимальное опережение партнера (0 - DefaultSyncTick)
	Tick time.Duration

	// Sync включает синхронизацию сразу при создании
	Sync bool

	Logger *slog.Logger
}

// SyncGroup связывает аудио и видео потоки: пока синхронизация
// включена, ни один из них не может опережать часы партнера больше
// чем на один тик
type SyncGroup struct {
	audio *Stream
	video *Stream
	tick  time.Duration
	log   *slog.Logger

	sync atomic.Bool
}

// NewSyncGroup связывает два потока в группу синхронизации.
// Каждый поток может состоять только в одной группе; связывание
// выполняется до запуска потоков.
func NewSyncGroup(config SyncGroupConfig) (*SyncGroup, error) {
	if config.Audio == nil || config.Video == nil {
		return nil, fmt.Errorf("pacer: группе синхронизации нужны оба потока")
	}
	if config.Audio == config.Video {
		return nil, fmt.Errorf("pacer: поток не может быть партнером самому себе")
	}
	if config.Audio.group != nil || config.Video.group != nil {
		return nil, fmt.Errorf("pacer: поток уже состоит в группе синхронизации")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	g := &SyncGroup{
		audio: config.Audio,
		video: config.Video,
		tick:  config.Tick,
		log:   log,
	}
	if g.tick <= 0 {
		g.tick = DefaultSyncTick
	}
	g.sync.Store(config.Sync)
	config.Audio.group = g
	config.Video.group = g
	return g, nil
}

// SetSync включает или выключает ограничение взаимного дрейфа
func (g *SyncGroup) SetSync(enabled bool) {
	g.sync.Store(enabled)
}

// SyncEnabled сообщает активна ли синхронизация
func (g *SyncGroup) SyncEnabled() bool {
	return g.sync.Load()
}

// partnerOf возвращает второй поток группы
func (g *SyncGroup) partnerOf(s *Stream) *Stream {
	switch s {
	case g.audio:
		return g.video
	case g.video:
		return g.audio
	default:
		return nil
	}
}

// StartBurst переводит оба потока в burst режим: паузы и синхронизация
// выключаются, начальный буфер сливается с максимальной скоростью.
// Когда PTS видео потока пересекает threshold, паузы и синхронизация
// включаются обратно (ровно один раз).
func (g *SyncGroup) StartBurst(threshold time.Duration) {
	g.SetSync(false)
	g.audio.SetPacing(false)
	g.video.SetPacing(false)

	var once sync.Once
	g.video.SetPTSAdvanceHandler(func(pts time.Duration) {
		if pts < threshold {
			return
		}
		once.Do(func() {
			g.audio.SetPacing(true)
			g.video.SetPacing(true)
			g.SetSync(true)
			g.video.SetPTSAdvanceHandler(nil)
			g.log.Debug("burst режим завершен", "pts", pts)
		})
	})
}
