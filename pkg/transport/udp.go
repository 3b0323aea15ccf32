package transport

import (
	"fmt"
	"net"
	"sync"
)

// UDPTransport реализует MediaTransport поверх UDP.
// Оптимизирован для голосового трафика (низкая латентность, QoS
// маркировка).
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	config     Config

	active bool
	mutex  sync.RWMutex
}

// NewUDPTransport создает UDP транспорт медиа плана
func NewUDPTransport(config Config) (*UDPTransport, error) {
	if config.LocalAddr == "" {
		config.LocalAddr = ":0"
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: разрешение локального адреса: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: создание UDP соединения: %w", err)
	}

	// QoS настройки сокета; ошибки не критичны (контейнеры и т.п.)
	if err := setSockOptForVoice(conn, config.DSCP); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: настройка сокета: %w", err)
	}

	t := &UDPTransport{
		conn:   conn,
		config: config,
		active: true,
	}

	if config.RemoteAddr != "" {
		remoteAddr, rerr := net.ResolveUDPAddr("udp", config.RemoteAddr)
		if rerr != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: разрешение удаленного адреса: %w", rerr)
		}
		t.remoteAddr = remoteAddr
	}

	return t, nil
}

// SendRawFrame отправляет один сериализованный кадр на сервер
func (t *UDPTransport) SendRawFrame(frame []byte) error {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	remoteAddr := t.remoteAddr
	t.mutex.RUnlock()

	if !active {
		return fmt.Errorf("transport: транспорт не активен")
	}
	if remoteAddr == nil {
		return fmt.Errorf("transport: удаленный адрес не установлен")
	}

	if _, err := conn.WriteToUDP(frame, remoteAddr); err != nil {
		return fmt.Errorf("transport: отправка кадра: %w", err)
	}
	return nil
}

// SetRemoteAddr устанавливает адрес медиа плана (приходит в Ready от
// сервера после подключения)
func (t *UDPTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: разрешение удаленного адреса: %w", err)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.remoteAddr = remoteAddr
	return nil
}

// IsReady сообщает готов ли транспорт: соединение открыто и удаленный
// адрес известен
func (t *UDPTransport) IsReady() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active && t.remoteAddr != nil
}

// LocalAddr возвращает локальный адрес сокета
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Close закрывает транспорт
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false

	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
