package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return NewRegistry(
		Registration{
			Type:     TypeS3,
			AuthType: AuthAPIKey,
			Capabilities: Capabilities{
				SupportsDirectUpload:   true,
				SupportsDirectDownload: true,
				SupportsMultipart:      true,
			},
			ConfigFields: []ConfigField{
				{Name: "bucket", Kind: FieldText, Required: true},
				{Name: "secret_access_key", Kind: FieldSecret, Required: true, Sensitive: true},
				{Name: "endpoint", Kind: FieldURL},
			},
		},
		Registration{
			Type:     TypeGraphDrive,
			AuthType: AuthOAuth,
			ConfigFields: []ConfigField{
				{Name: "account_id", Kind: FieldText, Required: true, IsIdentifier: true},
				{Name: "access_token", Kind: FieldSecret, Required: true, Sensitive: true},
				{Name: "refresh_token", Kind: FieldSecret, Sensitive: true},
			},
		},
	)
}

func TestRegistryGet(t *testing.T) {
	r := testRegistry()

	reg, err := r.Get(TypeS3)
	require.NoError(t, err)
	assert.Equal(t, TypeS3, reg.Type)
	assert.True(t, reg.Capabilities.SupportsMultipart)

	_, err = r.Get(Type("dropbox"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegistryList(t *testing.T) {
	r := testRegistry()

	regs := r.List()
	require.Len(t, regs, 2)
	// Registration order is stable.
	assert.Equal(t, TypeS3, regs[0].Type)
	assert.Equal(t, TypeGraphDrive, regs[1].Type)
}

func TestRegistrySensitiveFields(t *testing.T) {
	r := testRegistry()

	fields, err := r.SensitiveFields(TypeGraphDrive)
	require.NoError(t, err)
	assert.Equal(t, []string{"access_token", "refresh_token"}, fields)

	_, err = r.SensitiveFields(Type("nope"))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestIdentifierField(t *testing.T) {
	r := testRegistry()

	oauth, err := r.Get(TypeGraphDrive)
	require.NoError(t, err)
	assert.Equal(t, "account_id", oauth.IdentifierField())

	s3, err := r.Get(TypeS3)
	require.NoError(t, err)
	assert.Equal(t, "", s3.IdentifierField())
}

func TestValidateConfig(t *testing.T) {
	r := testRegistry()

	t.Run("valid", func(t *testing.T) {
		err := r.ValidateConfig(TypeS3, map[string]any{
			"bucket":            "media",
			"secret_access_key": "shhh",
		})
		assert.NoError(t, err)
	})

	t.Run("missing required", func(t *testing.T) {
		err := r.ValidateConfig(TypeS3, map[string]any{"bucket": "media"})
		require.Error(t, err)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "secret_access_key", vErr.Field)
	})

	t.Run("empty required", func(t *testing.T) {
		err := r.ValidateConfig(TypeS3, map[string]any{
			"bucket":            "",
			"secret_access_key": "shhh",
		})
		require.Error(t, err)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "bucket", vErr.Field)
	})

	t.Run("unknown field", func(t *testing.T) {
		err := r.ValidateConfig(TypeS3, map[string]any{
			"bucket":            "media",
			"secret_access_key": "shhh",
			"tenant":            "acme",
		})
		require.Error(t, err)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "tenant", vErr.Field)
	})

	t.Run("unknown type", func(t *testing.T) {
		err := r.ValidateConfig(Type("nope"), nil)
		assert.ErrorIs(t, err, ErrUnknownType)
	})
}

func TestDecodeConfig(t *testing.T) {
	type target struct {
		Bucket    string `config:"bucket"`
		Endpoint  string `config:"endpoint"`
		PathStyle bool   `config:"force_path_style"`
	}

	var out target
	err := DecodeConfig(map[string]any{
		"bucket":           "media",
		"endpoint":         "http://minio:9000",
		"force_path_style": "true", // weakly typed: string bools decode
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, "media", out.Bucket)
	assert.Equal(t, "http://minio:9000", out.Endpoint)
	assert.True(t, out.PathStyle)
}
