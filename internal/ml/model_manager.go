package ml

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const maxArtifactHistory = 5

var ErrNoPreviousVersion = errors.New("no previous artifact version")

// ArtifactVersion describes one bundle the manager has served.
type ArtifactVersion struct {
	Version  string    `json:"version"`
	Dir      string    `json:"dir"`
	Models   []string  `json:"models"`
	LoadedAt time.Time `json:"loaded_at"`
	Active   bool      `json:"active"`
}

type loadedArtifacts struct {
	artifacts *Artifacts
	loadedAt  time.Time
}

// ArtifactManager reloads the artifact directory into a running dispatcher
// and keeps the last few bundles for rollback. Reloads are serialized;
// predictions keep running against whichever bundle is installed.
type ArtifactManager struct {
	mu         sync.Mutex
	dispatcher *Dispatcher
	dir        string
	rawWidth   int
	ids        []string
	history    []loadedArtifacts // oldest first, last is active
}

// NewArtifactManager manages d, whose current bundle becomes the first
// history entry. Reload reads dir with the same width and model ids
// LoadArtifacts was given.
func NewArtifactManager(d *Dispatcher, dir string, rawWidth int, ids ...string) *ArtifactManager {
	return &ArtifactManager{
		dispatcher: d,
		dir:        dir,
		rawWidth:   rawWidth,
		ids:        append([]string(nil), ids...),
		history:    []loadedArtifacts{{artifacts: d.Artifacts(), loadedAt: time.Now().UTC()}},
	}
}

// Reload loads the directory again and installs it if its version differs
// from the active one. A failed load leaves the active bundle in place.
func (m *ArtifactManager) Reload() (ArtifactVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := LoadArtifacts(m.dir, m.rawWidth, m.ids...)
	if err != nil {
		log.Error().Err(err).Str("dir", m.dir).Msg("artifact reload failed, keeping active version")
		return m.activeLocked(), fmt.Errorf("reload %s: %w", m.dir, err)
	}

	active := m.history[len(m.history)-1].artifacts
	if a.Scaler.Version == active.Scaler.Version {
		log.Info().Str("version", a.Scaler.Version).Msg("artifacts unchanged")
		return m.activeLocked(), nil
	}

	m.dispatcher.Swap(a)
	m.history = append(m.history, loadedArtifacts{artifacts: a, loadedAt: time.Now().UTC()})
	if len(m.history) > maxArtifactHistory {
		m.history = m.history[len(m.history)-maxArtifactHistory:]
	}
	log.Info().
		Str("from", active.Scaler.Version).
		Str("to", a.Scaler.Version).
		Msg("artifacts reloaded")
	return m.activeLocked(), nil
}

// Rollback reinstalls the bundle that was active before the current one.
func (m *ArtifactManager) Rollback() (ArtifactVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) < 2 {
		return m.activeLocked(), ErrNoPreviousVersion
	}
	current := m.history[len(m.history)-1].artifacts
	m.history = m.history[:len(m.history)-1]
	prev := m.history[len(m.history)-1].artifacts
	m.dispatcher.Swap(prev)

	log.Warn().
		Str("from", current.Scaler.Version).
		Str("to", prev.Scaler.Version).
		Msg("artifacts rolled back")
	return m.activeLocked(), nil
}

// Versions lists the retained bundles, newest first.
func (m *ArtifactManager) Versions() []ArtifactVersion {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ArtifactVersion, 0, len(m.history))
	for i := len(m.history) - 1; i >= 0; i-- {
		out = append(out, describe(m.history[i], i == len(m.history)-1))
	}
	return out
}

func (m *ArtifactManager) activeLocked() ArtifactVersion {
	return describe(m.history[len(m.history)-1], true)
}

func describe(l loadedArtifacts, active bool) ArtifactVersion {
	return ArtifactVersion{
		Version:  l.artifacts.Scaler.Version,
		Dir:      l.artifacts.Dir,
		Models:   l.artifacts.Registry.IDs(),
		LoadedAt: l.loadedAt,
		Active:   active,
	}
}
