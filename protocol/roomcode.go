package protocol

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	// RoomCodeAlphabet excludes I, O, 0 and 1.
	RoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// RoomCodeLength is the number of symbols in a room code.
	RoomCodeLength = 8
)

// GenerateRoomCode returns a random room code using crypto/rand.
func GenerateRoomCode() (string, error) {
	max := big.NewInt(int64(len(RoomCodeAlphabet)))
	code := make([]byte, RoomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = RoomCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// NormalizeRoomCode trims whitespace and upper-cases a user-typed code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidRoomCode reports whether code has the right length and alphabet.
func ValidRoomCode(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(RoomCodeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
