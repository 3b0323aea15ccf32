// Package media содержит общие типы медиа потоков для голосового шлюза.
//
// Пакет определяет access unit (один закодированный кадр видео или один
// фрейм аудио), кодеки и интерфейс источника медиа данных. Декодирование
// и демультиплексирование контейнеров выполняется внешним компонентом,
// который отдает уже закодированные access unit'ы.
package media

import (
	"context"
	"time"
)

// MediaType определяет тип медиа потока
type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
)

func (m MediaType) String() string {
	switch m {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Codec определяет поддерживаемые кодеки
type Codec int

const (
	CodecOpus Codec = iota
	CodecVP8
	CodecH264
	CodecH265
	CodecAV1
)

func (c Codec) String() string {
	switch c {
	case CodecOpus:
		return "opus"
	case CodecVP8:
		return "vp8"
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecAV1:
		return "av1"
	default:
		return "unknown"
	}
}

// MediaType возвращает тип медиа для кодека
func (c Codec) MediaType() MediaType {
	if c == CodecOpus {
		return MediaTypeAudio
	}
	return MediaTypeVideo
}

// ClockRate возвращает частоту тактирования RTP для кодека согласно
// RFC 3551 (аудио) и RFC 6184/7798 (видео всегда 90 kHz)
func (c Codec) ClockRate() uint32 {
	if c == CodecOpus {
		return 48000
	}
	return 90000
}

// AccessUnit представляет один декодируемый кадр закодированного медиа.
// Для видео это один кадр в Annex-B (H.264/H.265), VP8 или AV1 OBU формате,
// для аудио — один Opus фрейм.
type AccessUnit struct {
	Codec    Codec
	Data     []byte
	PTS      time.Duration // Presentation timestamp от начала потока
	Duration time.Duration // Длительность кадра
	Keyframe bool
}

// Source представляет источник access unit'ов (внешний декодер/демуксер).
// Next блокируется до готовности следующего кадра, возвращает io.EOF
// при завершении потока. Источник не перезапускаем.
type Source interface {
	Next(ctx context.Context) (*AccessUnit, error)
}
