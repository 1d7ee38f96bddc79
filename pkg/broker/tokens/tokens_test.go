// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Token
		wantErr bool
	}{
		{"valid", "u1:g1:secret", Token{UserID: "u1", GrantID: "g1", Secret: "secret"}, false},
		{"empty", "", Token{}, true},
		{"two parts", "u1:g1", Token{}, true},
		{"four parts", "u1:g1:s:extra", Token{}, true},
		{"empty user", ":g1:secret", Token{}, true},
		{"empty grant", "u1::secret", Token{}, true},
		{"empty secret", "u1:g1:", Token{}, true},
		{"only colons", "::", Token{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestMinting(t *testing.T) {
	code, err := NewAuthorizationCode("u1", "g1")
	require.NoError(t, err)
	parsed, err := Parse(code)
	require.NoError(t, err)
	assert.Equal(t, "u1", parsed.UserID)
	assert.Equal(t, "g1", parsed.GrantID)
	assert.Len(t, parsed.Secret, 32)

	token, err := NewAccessToken("u1", "g1")
	require.NoError(t, err)
	parsed, err = Parse(token)
	require.NoError(t, err)
	assert.Len(t, parsed.Secret, 48)

	other, err := NewAccessToken("u1", "g1")
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}
