package main

import "strings"

// CardPlaceholder is returned for both fields when a card number is too short to mask.
const CardPlaceholder = "****"

// MaskCard derives the display-safe last four digits and masked number of a raw card number.
// "1234567812345678" -> ("5678", "************5678")
func MaskCard(cardNumber string) (lastFour string, masked string) {
	if len(cardNumber) < 4 {
		return CardPlaceholder, CardPlaceholder
	}

	lastFour = cardNumber[len(cardNumber)-4:]
	return lastFour, strings.Repeat("*", len(cardNumber)-4) + lastFour
}
