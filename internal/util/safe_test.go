package util

import (
	"math"
	"testing"
)

func TestSafeInt64Diff(t *testing.T) {
	testCases := []struct {
		name     string
		u1, u2   uint64
		expected int64
	}{
		{"normal diff", 100, 40, 60},
		{"zero diff", 50, 50, 0},
		{"underflow avoided", 10, 20, 0},
		{"overflow avoided", math.MaxUint64, 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SafeInt64Diff(tc.u1, tc.u2); got != tc.expected {
				t.Errorf("SafeInt64Diff(%d, %d) = %d, want %d", tc.u1, tc.u2, got, tc.expected)
			}
		})
	}
}

func TestSafeUint64(t *testing.T) {
	testCases := []struct {
		value    int64
		expected uint64
	}{
		{42, 42},
		{0, 0},
		{-1, 0},
		{math.MinInt64, 0},
	}

	for _, tc := range testCases {
		if got := SafeUint64(tc.value); got != tc.expected {
			t.Errorf("SafeUint64(%d) = %d, want %d", tc.value, got, tc.expected)
		}
	}
}

func TestSafeInt32(t *testing.T) {
	testCases := []struct {
		name     string
		value    int64
		expected int32
	}{
		{"in range", 1000, 1000},
		{"clamped high", math.MaxInt64, math.MaxInt32},
		{"clamped low", math.MinInt64, math.MinInt32},
		{"negative in range", -500, -500},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SafeInt32(tc.value); got != tc.expected {
				t.Errorf("SafeInt32(%d) = %d, want %d", tc.value, got, tc.expected)
			}
		})
	}
}
