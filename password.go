package main

import "unicode"

// checkPasswordPolicy enforces the registration password rules: at least 8
// characters with an uppercase letter, a lowercase letter, a digit, and a
// symbol. Returns a user-facing reason for the first unmet rule, or "" when
// the password passes.
func checkPasswordPolicy(p string) string {
	if len(p) < 8 {
		return "Password must be at least 8 characters"
	}
	var upper, lower, digit, symbol bool
	for _, r := range p {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	switch {
	case !upper:
		return "Password must contain an uppercase letter"
	case !lower:
		return "Password must contain a lowercase letter"
	case !digit:
		return "Password must contain a digit"
	case !symbol:
		return "Password must contain a symbol"
	}
	return ""
}
