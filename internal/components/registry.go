package components

import (
	"fmt"

	"server-dr/internal/config"
	"server-dr/internal/database"
	"server-dr/internal/execution"
	"server-dr/internal/logging"
)

// Deps are the collaborators component implementations need
type Deps struct {
	Runner execution.Runner
	// DB is required when the database component is enabled; NewRegistry opens one when nil
	DB     database.DatabaseService
	Logger *logging.Logger
}

// NewRegistry builds implementations for every enabled component in cfg
func NewRegistry(cfg *config.Config, deps Deps) (*Registry, error) {
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Runner == nil {
		deps.Runner = execution.NewExecutor(deps.Logger)
	}

	r := NewEmptyRegistry()
	c := cfg.Components

	if c.Database.Enabled {
		db := deps.DB
		if db == nil {
			svc, err := database.NewService(c.Database, deps.Logger)
			if err != nil {
				return nil, err
			}
			db = svc
			r.closers = append(r.closers, svc.Close)
		}
		r.Register(Database, NewDatabaseComponent(c.Database, db, deps.Runner, deps.Logger))
	}
	if c.Cache.Enabled {
		r.Register(Cache, NewCacheComponent(c.Cache, deps.Runner, deps.Logger))
	}
	if c.Application.Enabled {
		r.Register(Application, NewApplicationComponent(c.Application, deps.Logger))
	}
	if c.Configuration.Enabled {
		r.Register(Configuration, NewConfigurationComponent(c.Configuration, deps.Logger))
	}
	if c.Certificates.Enabled {
		r.Register(Certificates, NewCertificatesComponent(c.Certificates, deps.Logger))
	}
	if c.Monitoring.Enabled {
		m, err := NewMonitoringComponent(c.Monitoring, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("monitoring component: %w", err)
		}
		r.Register(Monitoring, m)
	}

	return r, nil
}
