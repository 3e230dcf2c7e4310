package subwalletcfg

import "fmt"

// BIP-380 output descriptor checksum. No descriptor-parsing library exists
// in this ecosystem snapshot, so the checksum polynomial is implemented
// directly from BIP-380; it is a fixed, public algorithm with no sensible
// substitute dependency.

const descriptorInputCharset = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "
const descriptorChecksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var descriptorGenerator = [5]uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

func descsumPolymod(symbols []int) uint64 {
	var chk uint64 = 1
	for _, value := range symbols {
		top := chk >> 35
		chk = (chk&0x7ffffffff)<<5 ^ uint64(value)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 != 0 {
				chk ^= descriptorGenerator[i]
			}
		}
	}
	return chk
}

func descsumExpand(s string) ([]int, error) {
	var symbols []int
	var groups []int
	for _, c := range s {
		v := -1
		for i, ic := range descriptorInputCharset {
			if ic == c {
				v = i
				break
			}
		}
		if v == -1 {
			return nil, fmt.Errorf("subwalletcfg: character %q not in descriptor charset", c)
		}
		symbols = append(symbols, v&31)
		groups = append(groups, v>>5)
		if len(groups) == 3 {
			symbols = append(symbols, groups[0]*9+groups[1]*3+groups[2])
			groups = nil
		}
	}
	switch len(groups) {
	case 1:
		symbols = append(symbols, groups[0])
	case 2:
		symbols = append(symbols, groups[0]*3+groups[1])
	}
	return symbols, nil
}

// descriptorChecksum computes the 8-character BIP-380 checksum for a
// descriptor string (without its trailing "#checksum" suffix).
func descriptorChecksum(s string) (string, error) {
	symbols, err := descsumExpand(s)
	if err != nil {
		return "", err
	}
	symbols = append(symbols, 0, 0, 0, 0, 0, 0, 0, 0)
	checksum := descsumPolymod(symbols) ^ 1

	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = descriptorChecksumCharset[(checksum>>uint(5*(7-i)))&31]
	}
	return string(out), nil
}
