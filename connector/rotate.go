package connector

// pollerIndex maps a rotation counter onto [0, size). Negative counters, which
// appear once the counter wraps, are normalised so the sequence stays round-robin.
func pollerIndex(rotation int32, size int) int {
	n := int32(size)
	return int((rotation%n + n) % n)
}
