// Package transport определяет медиа транспорт голосового шлюза.
//
// Ядро конвейера оперирует уже сериализованными кадрами (RTP/RTCP) и
// передает их транспорту как непрозрачные байты. Согласование ICE/DTLS
// и SRTP при использовании WebRTC стека выполняется внешней реализацией
// MediaTransport; пакет предоставляет готовую реализацию для прямого
// UDP медиа плана голосового сервера.
package transport

// MediaTransport отправляет сырые медиа кадры на голосовой сервер
type MediaTransport interface {
	// SendRawFrame отправляет один сериализованный кадр
	SendRawFrame(frame []byte) error

	// IsReady сообщает готов ли транспорт к отправке. Отправка до
	// готовности должна трактоваться вызывающей стороной как no-op.
	IsReady() bool

	// Close закрывает транспорт
	Close() error
}

// Config базовая конфигурация UDP транспорта
type Config struct {
	LocalAddr  string // Локальный адрес для привязки (":0" - любой порт)
	RemoteAddr string // Адрес медиа плана сервера
	DSCP       int    // DSCP маркировка для QoS (0 - без маркировки)
}

// DefaultConfig возвращает конфигурацию по умолчанию.
// DSCP 46 (Expedited Forwarding) - стандартная маркировка голосового
// трафика.
func DefaultConfig() Config {
	return Config{
		LocalAddr: ":0",
		DSCP:      46,
	}
}
