// Package registry assembles the default provider registry: every driver
// this build ships, with its config schema and capability flags.
package registry

import (
	"github.com/driftbox/driftbox/pkg/provider"
	"github.com/driftbox/driftbox/pkg/provider/graphdrive"
	"github.com/driftbox/driftbox/pkg/provider/localdisk"
	"github.com/driftbox/driftbox/pkg/provider/s3"
	"github.com/driftbox/driftbox/pkg/provider/webdav"
)

// Default builds the registry with all built-in provider types.
func Default() *provider.Registry {
	return provider.NewRegistry(
		provider.Registration{
			Type:     provider.TypeS3,
			AuthType: provider.AuthAPIKey,
			Capabilities: provider.Capabilities{
				SupportsDirectUpload:   true,
				SupportsDirectDownload: true,
				SupportsMultipart:      true,
			},
			ConfigFields: []provider.ConfigField{
				{Name: "bucket", Label: "Bucket", Kind: provider.FieldText, Required: true},
				{Name: "region", Label: "Region", Kind: provider.FieldText},
				{Name: "endpoint", Label: "Endpoint", Kind: provider.FieldURL},
				{Name: "access_key_id", Label: "Access key ID", Kind: provider.FieldText, Required: true},
				{Name: "secret_access_key", Label: "Secret access key", Kind: provider.FieldSecret, Required: true, Sensitive: true},
				{Name: "force_path_style", Label: "Force path-style addressing", Kind: provider.FieldBool},
				{Name: "prefix", Label: "Key prefix", Kind: provider.FieldText},
			},
			NewDriver: s3.New,
		},
		provider.Registration{
			Type:     provider.TypeLocalDisk,
			AuthType: provider.AuthNone,
			ConfigFields: []provider.ConfigField{
				{Name: "base_dir", Label: "Base directory", Kind: provider.FieldText, Required: true},
			},
			NewDriver: localdisk.New,
		},
		provider.Registration{
			Type:     provider.TypeWebDAV,
			AuthType: provider.AuthBasic,
			ConfigFields: []provider.ConfigField{
				{Name: "base_url", Label: "Server URL", Kind: provider.FieldURL, Required: true},
				{Name: "username", Label: "Username", Kind: provider.FieldText, Required: true},
				{Name: "password", Label: "Password", Kind: provider.FieldSecret, Required: true, Sensitive: true},
			},
			NewDriver: webdav.New,
		},
		provider.Registration{
			Type:     provider.TypeGraphDrive,
			AuthType: provider.AuthOAuth,
			ConfigFields: []provider.ConfigField{
				{Name: "account_id", Label: "Account", Kind: provider.FieldText, Required: true, IsIdentifier: true},
				{Name: "client_id", Label: "Client ID", Kind: provider.FieldText, Required: true},
				{Name: "token_endpoint", Label: "Token endpoint", Kind: provider.FieldURL},
				{Name: "access_token", Label: "Access token", Kind: provider.FieldSecret, Required: true, Sensitive: true},
				{Name: "refresh_token", Label: "Refresh token", Kind: provider.FieldSecret, Sensitive: true},
				{Name: "base_url", Label: "API base URL", Kind: provider.FieldURL},
			},
			NewDriver: graphdrive.New,
		},
	)
}
