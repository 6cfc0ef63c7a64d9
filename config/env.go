package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces protoloc's environment variables.
const EnvPrefix = "PROTOLOC"

// Env holds the settings read from the environment. Each variable is read
// with the PROTOLOC_ prefix first and then without it, so the names used
// by existing CI setups keep working.
type Env struct {
	// Token is the Paratranz API token (PROTOLOC_PARATRANZ_TOKEN or
	// PARATRANZ_TOKEN).
	Token string `envconfig:"PARATRANZ_TOKEN"`
	// ProjectID is the Paratranz project (PROTOLOC_PZ_PROJECT_ID or
	// PZ_PROJECT_ID).
	ProjectID int `envconfig:"PZ_PROJECT_ID"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return Env{}, fmt.Errorf("reading environment: %w", err)
	}
	return e, nil
}

// ApplyEnv fills unset remote settings from the environment.
func (pf *ProjectFile) ApplyEnv(e Env) {
	if pf.Paratranz.ProjectID == 0 {
		pf.Paratranz.ProjectID = e.ProjectID
	}
}
