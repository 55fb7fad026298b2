package stats

import (
	"github.com/codefionn/fwdcache/fwdcache-srv/config"
	"github.com/codefionn/fwdcache/fwdcache-srv/store"
)

// NewCollector returns the collector selected by cfg. A nil db with
// statistics enabled falls back to the dummy collector.
func NewCollector(cfg config.StatisticsConfig, db *store.DB) Collector {
	if !cfg.Enabled || db == nil {
		return NewDummyCollector()
	}
	return NewSQLCollector(db)
}
