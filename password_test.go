package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckPasswordPolicy(t *testing.T) {
	cases := []struct {
		name     string
		password string
		ok       bool
	}{
		{"all rules satisfied", "Sup3r-Secret", true},
		{"too short", "Ab1!xyz", false},
		{"no uppercase", "weak-pass1", false},
		{"no lowercase", "WEAK-PASS1", false},
		{"no digit", "Weak-Password", false},
		{"no symbol", "WeakPassword1", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason := checkPasswordPolicy(tc.password)
			if tc.ok {
				require.Empty(t, reason)
			} else {
				require.NotEmpty(t, reason)
			}
		})
	}
}
