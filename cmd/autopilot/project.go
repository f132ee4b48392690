package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/autopilot/internal/config"
	"github.com/ShayCichocki/autopilot/internal/state"
)

// stateDirName holds the database, logs and signal files of a project.
const stateDirName = ".autopilot"

// project bundles what every command resolves first.
type project struct {
	root     string
	stateDir string
	cfg      *config.Config
}

// loadProject resolves the project root and configuration. The root is the
// directory holding .autopilot.yaml, or the working directory when there
// is none.
func loadProject() (*project, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	root := cwd
	if p := config.GetProjectConfigPath(); p != "" {
		root = filepath.Dir(p)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &project{
		root:     root,
		stateDir: filepath.Join(root, stateDirName),
		cfg:      cfg,
	}, nil
}

// openStore opens and migrates the project database.
func (p *project) openStore() (*state.DB, error) {
	db, err := state.OpenWithDriver(p.cfg.Store.Driver, p.cfg.StorePath(p.root))
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// openExistingStore is openStore for read-only commands. It reports a
// friendly error instead of creating an empty database.
func (p *project) openExistingStore() (*state.DB, error) {
	path := p.cfg.StorePath(p.root)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no task database at %s; run 'autopilot init' first", path)
	}
	return p.openStore()
}
