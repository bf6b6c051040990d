package utils

func Contains[T comparable](arr []T, item T) bool {
	for _, i := range arr {
		if i == item {
			return true
		}
	}

	return false
}

// Without returns the items of arr not present in excluded, keeping order.
func Without[T comparable](arr []T, excluded []T) []T {
	result := make([]T, 0, len(arr))

	for _, i := range arr {
		if !Contains(excluded, i) {
			result = append(result, i)
		}
	}

	return result
}

// Shuffled returns a permutation of arr drawn with perm, leaving arr untouched.
func Shuffled[T any](arr []T, perm func(n int) []int) []T {
	result := make([]T, len(arr))
	for i, j := range perm(len(arr)) {
		result[i] = arr[j]
	}

	return result
}
