package packetizer

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/arzzra/voice_gateway/pkg/dave"
	"github.com/arzzra/voice_gateway/pkg/media"
)

// av1Packetizer делегирует OBU-фрагментацию стандартной AV1-over-RTP
// реализации pion; контракт sequence number / timestamp общий для всех
// кодеков
type av1Packetizer struct {
	trackState
	payloader *codecs.AV1Payloader
}

func newAV1Packetizer(state trackState) *av1Packetizer {
	return &av1Packetizer{
		trackState: state,
		payloader:  &codecs.AV1Payloader{},
	}
}

func (p *av1Packetizer) Packetize(au *media.AccessUnit) ([]*rtp.Packet, error) {
	if au == nil || len(au.Data) == 0 {
		return nil, nil
	}

	data := au.Data
	if p.enc != nil {
		encrypted, err := p.enc.Encrypt(dave.MediaTypeVideo, dave.CodecAV1, data)
		if err != nil {
			return nil, fmt.Errorf("packetizer: шифрование av1 кадра: %w", err)
		}
		data = encrypted
	}

	payloads := p.payloader.Payload(uint16(p.mtu), data)
	packets := make([]*rtp.Packet, 0, len(payloads))
	for i, payload := range payloads {
		packets = append(packets, p.nextPacket(payload, i == len(payloads)-1))
	}

	p.advanceClock(au.Duration)
	return packets, nil
}
