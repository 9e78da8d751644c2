package util

import (
	"regexp"
	"strings"
)

const countryCode = "254"

// 2547XXXXXXXX (Safaricom/Airtel) and 2541XXXXXXXX ranges.
var msisdnRe = regexp.MustCompile(`^254[17][0-9]{8}$`)

// NormalizeMSISDN rewrites a Kenyan mobile number into country-code form
// (254XXXXXXXXX). Accepted inputs: 07XXXXXXXX, 01XXXXXXXX, 7XXXXXXXX,
// +2547XXXXXXXX and 2547XXXXXXXX, with optional spaces, dashes or brackets.
func NormalizeMSISDN(p string) (string, bool) {
	p = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(p))
	p = strings.TrimPrefix(p, "+")

	switch {
	case strings.HasPrefix(p, countryCode):
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = countryCode + p[1:]
	case len(p) == 9:
		p = countryCode + p
	}
	if !msisdnRe.MatchString(p) {
		return "", false
	}
	return p, true
}

func IsNormalizedMSISDN(p string) bool {
	return msisdnRe.MatchString(p)
}

// MaskMSISDN keeps the country code and the last three digits, for logs.
func MaskMSISDN(p string) string {
	if len(p) < 7 {
		return "***"
	}
	return p[:3] + strings.Repeat("*", len(p)-6) + p[len(p)-3:]
}
