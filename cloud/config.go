// Package cloud implements the archive API client: bearer-token HTTP with
// templated paths, JWT lifecycle, and typed wrappers for every endpoint the
// sync engine and the on-demand file resolver touch.
package cloud

import (
	"ndi.dev/core/ndiconfig"
)

// API base URLs per CLOUD_API_ENVIRONMENT.
const (
	ProdURL = "https://api.ndi-cloud.com/v1"
	DevURL  = "https://dev-api.ndi-cloud.com/v1"
)

// Config is the bag of connection settings the client runs on. Populate it
// directly or from the environment with FromEnv.
type Config struct {
	APIURL         string
	Token          string
	OrganizationID string
	Username       string
	Password       string
	UploadNoZip    bool
	Verbose        bool
}

// FromEnv builds a Config from the process environment:
//
//	NDI_CLOUD_URL              overrides the API base URL
//	CLOUD_API_ENVIRONMENT      "prod" (default) or "dev"
//	NDI_CLOUD_TOKEN            bearer token, if already logged in
//	NDI_CLOUD_ORGANIZATION_ID  organization scope
//	NDI_CLOUD_USERNAME         credentials for Login
//	NDI_CLOUD_PASSWORD
//	NDI_CLOUD_UPLOAD_NO_ZIP    force serial uploads
func FromEnv() *Config {
	env := ndiconfig.NewEnvConfig("")
	apiURL := env.GetString("NDI_CLOUD_URL", "")
	if apiURL == "" {
		if env.GetString("CLOUD_API_ENVIRONMENT", "prod") == "dev" {
			apiURL = DevURL
		} else {
			apiURL = ProdURL
		}
	}
	return &Config{
		APIURL:         apiURL,
		Token:          env.GetString("NDI_CLOUD_TOKEN", ""),
		OrganizationID: env.GetString("NDI_CLOUD_ORGANIZATION_ID", ""),
		Username:       env.GetString("NDI_CLOUD_USERNAME", ""),
		Password:       env.GetString("NDI_CLOUD_PASSWORD", ""),
		UploadNoZip:    env.GetBool("NDI_CLOUD_UPLOAD_NO_ZIP", false),
	}
}

// Validate checks the shape of the config before any request is attempted.
func (c *Config) Validate() error {
	v := ndiconfig.NewValidator()
	v.RequireURL("api url", c.APIURL)
	return v.Validate()
}
