package domain

import "crypto/rand"

// keyAlphabet omits ambiguous characters (0/O, 1/I/L) so keys survive being
// read aloud.
const keyAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	roomKeyLength  = 6
	joinCodeLength = 8
)

func randomKey(length int) string {
	buf := make([]byte, length)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(buf)
}

// NewRoomKey generates a short room key. Uniqueness is enforced by the store;
// callers retry on conflict.
func NewRoomKey() string {
	return randomKey(roomKeyLength)
}

// NewJoinCode generates a join capability. Longer than the room key so
// rotation keeps a usable guess margin.
func NewJoinCode() string {
	return randomKey(joinCodeLength)
}
