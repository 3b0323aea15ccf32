// Package dave определяет границу между медиа конвейером и внешним
// MLS-движком сквозного шифрования (протокол DAVE).
//
// Сами криптографические операции (MLS группа, вывод ключей) выполняет
// внешняя реализация SecureSession; пакет задает только контракт и
// константы переходных окон passthrough режима.
package dave

// Passthrough окна в медиа кадрах. Во время переходов между эпохами
// шифрования сессия временно пропускает (или терпит отсутствие)
// сквозного шифрования, пока остальные участники догоняют.
const (
	// PassthroughGraceInit применяется при инициализации и при возврате
	// с эпохи 0 на ненулевую эпоху
	PassthroughGraceInit = 10
	// PassthroughGraceDowngrade применяется при подготовке перехода на
	// эпоху 0 (отключение сквозного шифрования)
	PassthroughGraceDowngrade = 120
)

// MediaType тип медиа для шифрования кадра
type MediaType uint8

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
)

// Codec кодек шифруемого кадра (кодек-зависимая трансформация сохраняет
// структуру битового потока, необходимую для packetization)
type Codec uint8

const (
	CodecOpus Codec = iota
	CodecVP8
	CodecH264
	CodecH265
	CodecAV1
)

// Encryptor - узкий интерфейс, который получает packetizer.
// Медиа код не имеет доступа к групповому состоянию MLS.
type Encryptor interface {
	// Encrypt шифрует один видео кадр или управляющий пакет
	Encrypt(mediaType MediaType, codec Codec, frame []byte) ([]byte, error)

	// EncryptOpus шифрует один Opus фрейм
	EncryptOpus(frame []byte) ([]byte, error)
}

// SecureSession представляет внешний MLS-движок одной голосовой сессии.
// Все вызовы должны сериализоваться вызывающей стороной: одновременные
// Encrypt и обработка commit недопустимы.
type SecureSession interface {
	Encryptor

	// SerializedKeyPackage возвращает сериализованный MLS key package
	// для отправки серверу
	SerializedKeyPackage() ([]byte, error)

	// ProcessProposals обрабатывает пакет proposals с учетом известных
	// участников; возвращает commit+welcome для ретрансляции серверу
	// или nil если отвечать нечем
	ProcessProposals(payload []byte, knownUserIDs []string) ([]byte, error)

	// ProcessCommit обрабатывает commit анонса перехода
	ProcessCommit(payload []byte) error

	// ProcessWelcome обрабатывает welcome анонса перехода
	ProcessWelcome(payload []byte) error

	// SetExternalSender устанавливает материал внешнего отправителя
	SetExternalSender(payload []byte) error

	// SetPassthroughMode включает/выключает passthrough на grace кадров
	SetPassthroughMode(enabled bool, graceFrames int)

	// Reinit переинициализирует сессию для новой эпохи протокола
	Reinit(protocolVersion uint16, userID, channelID string) error

	// Reset сбрасывает состояние сессии
	Reset()
}
