package plugins

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsbroker/pkg/plugin"
)

func TestSecretName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		alt      string
		want     string
	}{
		{"asset and account", "dsbroker/{asset}/{account}", "", "dsbroker/db01/svc"},
		{"alt falls back to account", "{asset}-{altAccount}", "", "db01-svc"},
		{"alt used when set", "{asset}-{altAccount}", "svc_ro", "db01-svc_ro"},
		{"no placeholders", "fixed", "", "fixed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, secretName(tt.template, "db01", "svc", tt.alt))
		})
	}
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dsbroker-db01-example-svc", sanitizeName("dsbroker/db01.example/svc", true))
	assert.Equal(t, "a_b", sanitizeName("a_b", true))
	assert.Equal(t, "a-b", sanitizeName("a_b", false))
	assert.Equal(t, "x", sanitizeName("//x//", true))
}

func TestCredentialEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		kind    plugin.Kind
		parts   []string
		encoded string
		decoded string
	}{
		{"password", plugin.KindPassword, []string{"hunter2"}, "hunter2", "hunter2"},
		{"split api key", plugin.KindAPIKey, []string{"id1", "s3cret"}, `{"id":"id1","secret":"s3cret"}`, "id1:s3cret"},
		{"single part api key", plugin.KindAPIKey, []string{"token"}, "token", "token"},
		{"ssh key", plugin.KindSSHKey, []string{"-----BEGIN KEY-----"}, "-----BEGIN KEY-----", "-----BEGIN KEY-----"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := encodeCredential(tt.kind, tt.parts)
			require.NoError(t, err)
			assert.Equal(t, tt.encoded, got)
			assert.Equal(t, tt.decoded, decodeCredential(tt.kind, got))
		})
	}

	_, err := encodeCredential(plugin.KindPassword, nil)
	assert.Error(t, err)
	_, err = encodeCredential(plugin.KindPassword, []string{""})
	assert.Error(t, err)
}

func TestTokenCache(t *testing.T) {
	t.Parallel()

	var c tokenCache
	_, ok := c.get()
	assert.False(t, ok)

	c.set("tok", -time.Second)
	_, ok = c.get()
	assert.False(t, ok, "expired")

	c.set("tok", time.Minute)
	got, ok := c.get()
	assert.True(t, ok)
	assert.Equal(t, "tok", got)

	c.clear()
	_, ok = c.get()
	assert.False(t, ok)
}
