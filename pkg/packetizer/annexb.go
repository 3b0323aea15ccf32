package packetizer

// splitAnnexB разбивает Annex-B битовый поток на NAL unit'ы по старт-кодам
// (00 00 01 или 00 00 00 01). Завершающие нулевые байты перед следующим
// старт-кодом (trailing_zero_8bits) отбрасываются.
func splitAnnexB(data []byte) [][]byte {
	var nals [][]byte
	start := -1
	zeros := 0
	for i := 0; i < len(data); i++ {
		switch {
		case data[i] == 0x00:
			zeros++
		case data[i] == 0x01 && zeros >= 2:
			if start >= 0 && i-zeros > start {
				nals = append(nals, data[start:i-zeros])
			}
			start = i + 1
			zeros = 0
		default:
			zeros = 0
		}
	}
	if start >= 0 && start < len(data) {
		end := len(data)
		for end > start && data[end-1] == 0x00 {
			end--
		}
		if end > start {
			nals = append(nals, data[start:end])
		}
	}
	return nals
}
