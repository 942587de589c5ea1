package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"password", KindPassword, false},
		{" APIKey ", KindAPIKey, false},
		{"sshkey", KindSSHKey, false},
		{"certificate", KindCertificate, false},
		{"token", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCredentialParts(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"AKIA123", "secret:with:colons"}, CredentialParts(KindAPIKey, "AKIA123:secret:with:colons"))
	assert.Equal(t, []string{"no-separator"}, CredentialParts(KindAPIKey, "no-separator"))
	assert.Equal(t, []string{"pa:ss"}, CredentialParts(KindPassword, "pa:ss"))
}

func TestMissingKeys(t *testing.T) {
	t.Parallel()

	assert.NoError(t, MissingKeys(map[string]string{"a": "1"}, "a"))

	err := MissingKeys(map[string]string{"a": " "}, "a", "b")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"a", "b"}, cfgErr.Keys)
	assert.Contains(t, err.Error(), "keys: a, b")
}

func TestWireError_PreservesKinds(t *testing.T) {
	t.Parallel()

	assert.NoError(t, encodeError(nil).decode())

	var connErr *ConnectionError
	assert.ErrorAs(t, encodeError(&ConnectionError{Err: errors.New("refused")}).decode(), &connErr)

	wrapped := encodeError(errors.Join(errors.New("context"), &RotationRaceError{Stage: "delete", Err: errors.New("denied")})).decode()
	var raceErr *RotationRaceError
	assert.ErrorAs(t, wrapped, &raceErr)

	plain := encodeError(errors.New("boom")).decode()
	assert.EqualError(t, plain, "boom")
}

func TestRotateCreateBeforeDelete(t *testing.T) {
	t.Parallel()

	// valid tracks which credentials an upstream store would accept.
	type upstream struct {
		valid map[string]bool
		steps []string
	}

	newRotation := func(u *upstream, createErr, confirmErr, deleteErr error) Rotation {
		return Rotation{
			Create: func(context.Context) (*PullResult, error) {
				u.steps = append(u.steps, "create")
				if createErr != nil {
					return nil, createErr
				}
				u.valid["new"] = true
				return &PullResult{Value: "new"}, nil
			},
			Confirm: func(_ context.Context, created *PullResult) error {
				u.steps = append(u.steps, "confirm")
				return confirmErr
			},
			Delete: func(context.Context, *PullResult) error {
				u.steps = append(u.steps, "delete")
				if deleteErr != nil {
					return deleteErr
				}
				delete(u.valid, "old")
				return nil
			},
		}
	}

	t.Run("both succeed leaves exactly the new key", func(t *testing.T) {
		t.Parallel()
		u := &upstream{valid: map[string]bool{"old": true}}
		result, err := RotateCreateBeforeDelete(context.Background(), newRotation(u, nil, nil, nil))
		require.NoError(t, err)
		assert.Equal(t, "new", result.Value)
		assert.Equal(t, map[string]bool{"new": true}, u.valid)
		assert.Equal(t, []string{"create", "confirm", "delete"}, u.steps)
	})

	t.Run("delete failure keeps the old key valid", func(t *testing.T) {
		t.Parallel()
		u := &upstream{valid: map[string]bool{"old": true}}
		result, err := RotateCreateBeforeDelete(context.Background(), newRotation(u, nil, nil, errors.New("access denied")))
		var raceErr *RotationRaceError
		require.ErrorAs(t, err, &raceErr)
		assert.Equal(t, "delete", raceErr.Stage)
		require.NotNil(t, result)
		assert.True(t, u.valid["old"])
		assert.True(t, u.valid["new"])
	})

	t.Run("create failure never deletes", func(t *testing.T) {
		t.Parallel()
		u := &upstream{valid: map[string]bool{"old": true}}
		result, err := RotateCreateBeforeDelete(context.Background(), newRotation(u, errors.New("serialization bug"), nil, nil))
		require.Error(t, err)
		assert.Nil(t, result)
		assert.Equal(t, []string{"create"}, u.steps)
		assert.True(t, u.valid["old"])
	})

	t.Run("unconfirmed credential never deletes", func(t *testing.T) {
		t.Parallel()
		u := &upstream{valid: map[string]bool{"old": true}}
		_, err := RotateCreateBeforeDelete(context.Background(), newRotation(u, nil, errors.New("read back mismatch"), nil))
		require.Error(t, err)
		assert.Equal(t, []string{"create", "confirm"}, u.steps)
		assert.True(t, u.valid["old"])
	})

	t.Run("missing confirm is refused", func(t *testing.T) {
		t.Parallel()
		_, err := RotateCreateBeforeDelete(context.Background(), Rotation{
			Create: func(context.Context) (*PullResult, error) { return &PullResult{}, nil },
		})
		var raceErr *RotationRaceError
		assert.ErrorAs(t, err, &raceErr)
	})
}

func TestGenerateValue(t *testing.T) {
	t.Parallel()

	v, err := GenerateValue(0, "")
	require.NoError(t, err)
	assert.Len(t, v, DefaultValueLength)

	v, err = GenerateValue(64, "ab")
	require.NoError(t, err)
	assert.Len(t, v, 64)
	for _, c := range v {
		assert.Contains(t, "ab", string(c))
	}

	other, err := GenerateValue(64, CharsetPassword)
	require.NoError(t, err)
	assert.NotEqual(t, v, other)
}
