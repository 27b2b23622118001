package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskCard(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		lastFour string
		masked   string
	}{
		{"sixteen digits", "2222405343248877", "8877", "************8877"},
		{"fourteen digits", "12345678901234", "1234", "**********1234"},
		{"exactly four", "1234", "1234", "1234"},
		{"too short", "123", CardPlaceholder, CardPlaceholder},
		{"empty", "", CardPlaceholder, CardPlaceholder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lastFour, masked := MaskCard(tt.input)
			assert.Equal(t, tt.lastFour, lastFour)
			assert.Equal(t, tt.masked, masked)
		})
	}
}

func TestMaskCard_PreservesLengthAndSuffix(t *testing.T) {
	for n := 4; n <= 19; n++ {
		card := strings.Repeat("9", n-1) + "7"
		lastFour, masked := MaskCard(card)

		assert.Len(t, masked, n)
		assert.True(t, strings.HasSuffix(masked, lastFour))
		assert.Equal(t, strings.Repeat("*", n-4), masked[:n-4])
	}
}
