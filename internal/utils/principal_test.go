package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePrincipal(t *testing.T) {
	tests := []struct {
		name      string
		principal string
		want      string
		error     bool
	}{
		{name: "valid", principal: "test@example.com", want: "test@example.com"},
		{name: "valid-with-plus", principal: "test+test@example.com", want: "test+test@example.com"},
		{name: "mixed-case-and-spaces", principal: "  Alice@Example.COM ", want: "alice@example.com"},
		{name: "dash-in-domain", principal: "test@example-domain.com", want: "test@example-domain.com"},
		{name: "no-tld", principal: "test@example", error: true},
		{name: "no-at", principal: "testexample.com", error: true},
		{name: "no-username", principal: "@example.com", error: true},
		{name: "slash", principal: "a/b@example.com", error: true},
		{name: "empty", principal: "   ", error: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := NormalizePrincipal(test.principal)
			if test.error {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}
