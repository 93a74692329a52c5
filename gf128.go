package cryptodisk

// Arithmetic in GF(2^128) modulo x^128 + x^7 + x^2 + x + 1 used by XTS and LRW.

const (
	gfBlockSize  = 16
	gfPolynomial = 0x87
)

// mulXLE multiplies the tweak by x, the tweak is stored little-endian (XTS convention)
func mulXLE(tweak []byte) {
	var carryIn byte
	for j := range tweak[:gfBlockSize] {
		carryOut := tweak[j] >> 7
		tweak[j] = (tweak[j] << 1) | carryIn
		carryIn = carryOut
	}
	if carryIn != 0 {
		tweak[0] ^= gfPolynomial
	}
}

// mulXBE multiplies g by x, g is stored big-endian (LRW convention)
func mulXBE(g []byte) {
	var carryIn byte
	for j := gfBlockSize - 1; j >= 0; j-- {
		carryOut := g[j] >> 7
		g[j] = (g[j] << 1) | carryIn
		carryIn = carryOut
	}
	if carryIn != 0 {
		g[gfBlockSize-1] ^= gfPolynomial
	}
}

// gfMulBE stores a*b into o. All values are big-endian field elements.
func gfMulBE(o, a, b []byte) {
	var t [gfBlockSize]byte
	copy(t[:], b)
	clearSlice(o[:gfBlockSize])
	for i := 0; i < gfBlockSize*8; i++ {
		if (a[gfBlockSize-1-i/8]>>(i%8))&1 != 0 {
			xorBytes(o[:gfBlockSize], o, t[:])
		}
		mulXBE(t[:])
	}
}

// addBE adds a small integer to a big-endian 128-bit counter in place
func addBE(idx []byte, n uint64) {
	for j := gfBlockSize - 1; j >= 0 && n != 0; j-- {
		sum := uint64(idx[j]) + n&0xff
		idx[j] = byte(sum)
		n = n>>8 + sum>>8
	}
}
