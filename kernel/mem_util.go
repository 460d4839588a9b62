package kernel

// Memset sets every byte of target to the supplied value. Instead of a byte
// loop it performs log2(len(target)) copy calls, which is fast for the page
// sized buffers it is mostly used with.
func Memset(target []byte, value byte) {
	if len(target) == 0 {
		return
	}

	target[0] = value
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies min(len(src), len(dst)) bytes from src to dst and returns the
// number of bytes copied.
func Memcopy(dst, src []byte) int {
	return copy(dst, src)
}
