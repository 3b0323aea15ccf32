package packetizer

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"

	"github.com/arzzra/voice_gateway/pkg/dave"
	"github.com/arzzra/voice_gateway/pkg/media"
)

// Биты VP8 payload descriptor
const (
	vp8DescExtended     = 0x80 // X: расширенные управляющие биты
	vp8DescStartOfFrame = 0x10 // S: первый пакет кадра
	vp8DescPictureID    = 0x80 // I: присутствует picture ID
	vp8PictureIDLong    = 0x8000
)

// vp8Packetizer нарезает кадр VP8 на MTU куски. Каждый пакет несет
// payload descriptor с 15-битным picture ID; бит начала кадра только
// на первом куске, RTP marker только на последнем.
type vp8Packetizer struct {
	trackState
	pictureID uint16
}

func (p *vp8Packetizer) Packetize(au *media.AccessUnit) ([]*rtp.Packet, error) {
	if au == nil || len(au.Data) == 0 {
		return nil, nil
	}

	payload := au.Data
	if p.enc != nil {
		encrypted, err := p.enc.Encrypt(dave.MediaTypeVideo, dave.CodecVP8, payload)
		if err != nil {
			return nil, fmt.Errorf("packetizer: шифрование vp8 кадра: %w", err)
		}
		payload = encrypted
	}

	chunks := chunkPayload(payload, p.mtu)
	packets := make([]*rtp.Packet, 0, len(chunks))
	for i, chunk := range chunks {
		desc := make([]byte, 4, 4+len(chunk))
		desc[0] = vp8DescExtended
		if i == 0 {
			desc[0] |= vp8DescStartOfFrame
		}
		desc[1] = vp8DescPictureID
		binary.BigEndian.PutUint16(desc[2:4], vp8PictureIDLong|(p.pictureID&0x7FFF))

		packets = append(packets, p.nextPacket(append(desc, chunk...), i == len(chunks)-1))
	}

	// Picture ID продвигается после последнего куска кадра
	p.pictureID++
	p.advanceClock(au.Duration)
	return packets, nil
}
