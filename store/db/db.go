// Package db selects the concrete store backend from the profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/internal/profile"
	"github.com/hrygo/codefleet/store"
	"github.com/hrygo/codefleet/store/db/postgres"
	"github.com/hrygo/codefleet/store/db/sqlite"
)

// NewDBDriver creates a new database driver based on the profile.
func NewDBDriver(instanceProfile *profile.Profile) (store.Driver, error) {
	switch instanceProfile.Driver {
	case "sqlite":
		return sqlite.NewDB(instanceProfile.DSN)
	case "postgres":
		return postgres.NewDB(instanceProfile.DSN)
	default:
		return nil, errors.Errorf("unsupported db driver: %q", instanceProfile.Driver)
	}
}
