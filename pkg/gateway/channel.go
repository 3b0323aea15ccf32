package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel - дуплексный контрольный канал голосового сервера.
// Передает JSON кадры {op, d, seq?} и бинарные кадры seq:u16 op:u8 payload.
type Channel interface {
	// Send отправляет JSON сообщение
	Send(msg *TextMessage) error

	// SendBinary отправляет бинарное сообщение
	SendBinary(msg *BinaryMessage) error

	// Receive блокируется до следующего входящего сообщения.
	// Закрытие канала возвращается как *CloseError.
	Receive() (*Message, error)

	// Close закрывает канал с кодом
	Close(code int) error
}

// Dialer открывает контрольный канал к endpoint. Абстракция позволяет
// подменять транспорт в тестах.
type Dialer func(ctx context.Context, endpoint string) (Channel, error)

// gatewayVersion - версия протокола голосового шлюза в query string
const gatewayVersion = "8"

const websocketWriteTimeout = 10 * time.Second

// WebsocketChannel - реализация Channel поверх gorilla/websocket
type WebsocketChannel struct {
	conn *websocket.Conn

	// Запись сериализуется: heartbeat и обработчики сообщений пишут
	// из разных горутин
	writeMu sync.Mutex
}

// DialChannel открывает websocket соединение с контрольным каналом
func DialChannel(ctx context.Context, endpoint string) (Channel, error) {
	url := endpoint
	if !strings.Contains(url, "://") {
		url = "wss://" + url
	}
	url = url + "/?v=" + gatewayVersion

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: подключение к %s: %w", endpoint, err)
	}
	return &WebsocketChannel{conn: conn}, nil
}

// Send отправляет JSON сообщение текстовым кадром
func (c *WebsocketChannel) Send(msg *TextMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gateway: сериализация сообщения op=%d: %w", msg.Op, err)
	}
	return c.write(websocket.TextMessage, data)
}

// SendBinary отправляет бинарное сообщение
func (c *WebsocketChannel) SendBinary(msg *BinaryMessage) error {
	return c.write(websocket.BinaryMessage, msg.Marshal())
}

func (c *WebsocketChannel) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Receive читает следующее сообщение канала
func (c *WebsocketChannel) Receive() (*Message, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return nil, fmt.Errorf("gateway: чтение канала: %w", err)
	}

	switch messageType {
	case websocket.TextMessage:
		var msg TextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("gateway: разбор JSON кадра: %w", err)
		}
		return &Message{Text: &msg}, nil
	case websocket.BinaryMessage:
		msg, err := parseBinaryMessage(data)
		if err != nil {
			return nil, err
		}
		return &Message{Binary: msg}, nil
	default:
		return nil, fmt.Errorf("gateway: неожиданный тип кадра %d", messageType)
	}
}

// Close отправляет close кадр с кодом и закрывает соединение
func (c *WebsocketChannel) Close(code int) error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
