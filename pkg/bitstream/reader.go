// Package bitstream реализует побитовое чтение и запись RBSP данных
// Annex-B битовых потоков (H.264/H.265) с прозрачной обработкой
// emulation prevention байтов согласно ISO/IEC 14496-10 Section 7.4.1.
//
// Последовательность 00 00 03 в потоке означает вставленный байт 0x03,
// который пропускается при чтении и вставляется обратно при записи,
// когда два последних байта равны 00 00 и следующий байт был бы <= 3.
package bitstream

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrOutOfData возвращается когда курсор чтения вышел за границу буфера
var ErrOutOfData = errors.New("bitstream: out of data")

// Reader читает битовый поток с пропуском emulation prevention байтов
type Reader struct {
	data     []byte
	pos      int  // Индекс следующего байта
	cur      byte // Текущий байт
	bitsLeft int  // Непрочитанные биты в текущем байте
	zeros    int  // Количество подряд прочитанных нулевых байт
}

// NewReader создает Reader поверх буфера. Буфер не копируется.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// loadByte загружает следующий байт потока, пропуская emulation prevention
func (r *Reader) loadByte() error {
	if r.pos >= len(r.data) {
		return ErrOutOfData
	}
	b := r.data[r.pos]
	if r.zeros >= 2 && b == 0x03 {
		// Вставленный байт, пропускаем
		r.pos++
		r.zeros = 0
		if r.pos >= len(r.data) {
			return ErrOutOfData
		}
		b = r.data[r.pos]
	}
	r.pos++
	if b == 0x00 {
		r.zeros++
	} else {
		r.zeros = 0
	}
	r.cur = b
	r.bitsLeft = 8
	return nil
}

// ReadBit читает один бит
func (r *Reader) ReadBit() (uint32, error) {
	return r.ReadBits(1)
}

// ReadBits читает n бит (n <= 32) старшими битами вперед.
// Выровненные по байту серии >= 8 бит читаются целыми байтами,
// результат идентичен побитовому чтению.
func (r *Reader) ReadBits(n int) (uint32, error) {
	if n < 0 || n > 32 {
		return 0, fmt.Errorf("bitstream: невозможно прочитать %d бит за раз", n)
	}
	var v uint32
	for n > 0 {
		if r.bitsLeft == 0 {
			if err := r.loadByte(); err != nil {
				return 0, err
			}
		}
		if n >= 8 && r.bitsLeft == 8 {
			v = v<<8 | uint32(r.cur)
			r.bitsLeft = 0
			n -= 8
			continue
		}
		r.bitsLeft--
		v = v<<1 | (uint32(r.cur)>>r.bitsLeft)&1
		n--
	}
	return v, nil
}

// ReadUE читает беззнаковое Exp-Golomb значение (ue(v), Section 9.1)
func (r *Reader) ReadUE() (uint32, error) {
	leadingZeros := 0
	for {
		b, err := r.ReadBits(1)
		if err != nil {
			return 0, err
		}
		if b != 0 {
			break
		}
		leadingZeros++
		if leadingZeros > 31 {
			return 0, fmt.Errorf("bitstream: некорректный exp-golomb код")
		}
	}
	if leadingZeros == 0 {
		return 0, nil
	}
	rest, err := r.ReadBits(leadingZeros)
	if err != nil {
		return 0, err
	}
	return (1 << leadingZeros) - 1 + rest, nil
}

// ReadSE читает знаковое Exp-Golomb значение (se(v), Section 9.1.1).
// Четное беззнаковое u отображается в -u/2, нечетное в (u+1)/2.
func (r *Reader) ReadSE() (int32, error) {
	u, err := r.ReadUE()
	if err != nil {
		return 0, err
	}
	if u%2 == 0 {
		return -int32(u / 2), nil
	}
	return int32((u + 1) / 2), nil
}

// Writer пишет битовый поток со вставкой emulation prevention байтов
type Writer struct {
	buf      []byte
	cur      byte
	bitsUsed int // Заполненные биты текущего байта
	zeros    int // Количество подряд записанных нулевых байт
}

// NewWriter создает пустой Writer
func NewWriter() *Writer {
	return &Writer{}
}

// emitByte добавляет байт в буфер со вставкой 0x03 при необходимости
func (w *Writer) emitByte(b byte) {
	if w.zeros >= 2 && b <= 0x03 {
		w.buf = append(w.buf, 0x03)
		w.zeros = 0
	}
	w.buf = append(w.buf, b)
	if b == 0x00 {
		w.zeros++
	} else {
		w.zeros = 0
	}
}

// WriteBit пишет один бит
func (w *Writer) WriteBit(v uint32) {
	w.WriteBits(v, 1)
}

// WriteBits пишет младшие n бит значения v старшими вперед
func (w *Writer) WriteBits(v uint32, n int) {
	for n > 0 {
		if n >= 8 && w.bitsUsed == 0 {
			n -= 8
			w.emitByte(byte(v >> n))
			continue
		}
		n--
		w.cur = w.cur<<1 | byte((v>>n)&1)
		w.bitsUsed++
		if w.bitsUsed == 8 {
			b := w.cur
			w.cur = 0
			w.bitsUsed = 0
			w.emitByte(b)
		}
	}
}

// WriteUE пишет беззнаковое Exp-Golomb значение: bitLength(v+1)-1 нулевых
// бит, затем двоичное представление v+1
func (w *Writer) WriteUE(v uint32) {
	length := bits.Len32(v + 1)
	w.WriteBits(0, length-1)
	w.WriteBits(v+1, length)
}

// WriteSE пишет знаковое Exp-Golomb значение (обратное отображение ReadSE)
func (w *Writer) WriteSE(v int32) {
	if v <= 0 {
		w.WriteUE(uint32(-2 * v))
	} else {
		w.WriteUE(uint32(2*v - 1))
	}
}

// WriteTrailingBits пишет rbsp_stop_one_bit и выравнивает поток до байта
func (w *Writer) WriteTrailingBits() {
	w.WriteBit(1)
	for w.bitsUsed != 0 {
		w.WriteBit(0)
	}
}

// Aligned сообщает выровнен ли поток записи по границе байта
func (w *Writer) Aligned() bool {
	return w.bitsUsed == 0
}

// Bytes возвращает записанные байты. Поток должен быть выровнен
// (последний неполный байт отбрасывается).
func (w *Writer) Bytes() []byte {
	return w.buf
}
