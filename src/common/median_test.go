package common

import "testing"

func TestMedian(t *testing.T) {
	testCases := []struct {
		name     string
		input    []int64
		expected int64
	}{
		{"empty", []int64{}, 0},
		{"single", []int64{5}, 5},
		{"odd", []int64{9, 1, 5}, 5},
		{"even", []int64{4, 1, 3, 2}, 2},
		{"negative", []int64{-10, 0, 10}, 0},
		{"unsorted latencies", []int64{80, 20, 40, 60, 30}, 40},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Median(tc.input); got != tc.expected {
				t.Fatalf("Median(%v) = %d, expected %d", tc.input, got, tc.expected)
			}
		})
	}
}

func TestMedianDoesNotMutateInput(t *testing.T) {
	input := []int64{3, 1, 2}
	Median(input)
	if input[0] != 3 || input[1] != 1 || input[2] != 2 {
		t.Fatalf("input mutated: %v", input)
	}
}
