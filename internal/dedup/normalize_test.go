package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "cafe zurich", fold("Café Zürich"))
	assert.Equal(t, "strasse", fold("STRASSE"))
	assert.Equal(t, "", fold(""))
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Youth Hub Inc.", "youth hub"},
		{"Youth Hub Pty Ltd", "youth hub"},
		{"YOUTH-HUB, Incorporated", "youth hub"},
		{"Legal & Advocacy Service", "legal and advocacy service"},
		{"Children's Café", "childrens cafe"},
		{"  St.  Vincent   de Paul  ", "st vincent de paul"},
		{"Co Ltd", "co ltd"},
		{"Ltd", "ltd"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), tt.in)
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "1 george street", NormalizeAddress("1 George St."))
	assert.Equal(t, NormalizeAddress("Level 2, 10 Smith Rd"), NormalizeAddress("lvl 2 10 smith road"))
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"02 9999 0000", "299990000"},
		{"(02) 9999-0000", "299990000"},
		{"+61 2 9999 0000", "299990000"},
		{"+61 (0)2 9999 0000", "299990000"},
		{"0061 2 9999 0000", "299990000"},
		{"0400 111 222", "400111222"},
		{"+1 415 555 0100", "14155550100"},
		{"13 11 14", "131114"},
		{"123", ""},
		{"call us", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in, "61"), tt.in)
	}
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "info@hub.org", NormalizeEmail(" Info@Hub.ORG "))
	assert.Equal(t, "info@hub.org", NormalizeEmail("mailto:info@hub.org"))
	assert.Equal(t, "", NormalizeEmail("not-an-email"))
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "hub.org", NormalizeHost("https://www.Hub.org/about"))
	assert.Equal(t, "hub.org", NormalizeHost("hub.org/contact"))
	assert.Equal(t, "", NormalizeHost("localhost"))
	assert.Equal(t, "", NormalizeHost(""))
}
