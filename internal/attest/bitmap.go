package attest

// BuildBitmap sets one bit per index in a bitmap covering total entries.
// Out-of-range indices are ignored.
func BuildBitmap(indices []int, total int) []byte {
	if total <= 0 {
		return nil
	}

	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// ParseBitmap returns the set indices of a bitmap in ascending order.
func ParseBitmap(bitmap []byte) []int {
	var indices []int

	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}
