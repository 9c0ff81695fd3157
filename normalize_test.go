package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeString(t *testing.T) {
	assert.Equal(t, "hithere", normalizeString("hi‮there"))
	assert.Equal(t, "plain text stays", normalizeString("plain text stays"))
	assert.Equal(t, "", normalizeString("‪‫‬‭‮⁦⁧⁨⁩"))
	assert.Equal(t, "émoji 🦋 ok", normalizeString("émoji 🦋 ok"))
}

func TestNormalizeStrings(t *testing.T) {
	assert.Nil(t, normalizeStrings(nil))
	assert.Equal(t, []string{"en", "fr"}, normalizeStrings([]string{"en", "fr⁦"}))
}
