package filter

import (
	"fmt"

	"github.com/codefionn/fwdcache/fwdcache-srv/config"
	"github.com/codefionn/fwdcache/fwdcache-srv/store"
)

// StoreAdmin is a Store whose lists can be edited.
type StoreAdmin interface {
	Store
	Admin
}

// NewStore returns the store selected by cfg. The database backend needs db.
func NewStore(cfg config.FilterConfig, db *store.DB) (StoreAdmin, error) {
	switch cfg.Backend {
	case config.FilterBackendDatabase, "":
		if db == nil {
			return nil, fmt.Errorf("database filter backend requires a database")
		}
		return NewSQLStore(db), nil
	case config.FilterBackendStatic:
		return LoadStaticStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported filter backend: %s", cfg.Backend)
	}
}
