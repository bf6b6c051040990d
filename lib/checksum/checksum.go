// Package checksum computes the integrity tag carried by every chunk.
package checksum

import "crypto/sha256"

// Sum folds the first four bytes of the payload's sha256 into an int.
func Sum(data []byte) int {
	result := 0
	digest := sha256.Sum256(data)

	for i := 0; i < 4; i++ {
		result = result<<8 | int(digest[i])
	}

	return result
}

// Verify reports whether data still hashes to sum.
func Verify(data []byte, sum int) bool {
	return Sum(data) == sum
}
