// Package profile loads agent profile documents from a directory of YAML
// files and seeds them into the session store at startup.
package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/session/store"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// LoadDir reads every .yaml/.yml file in dir as one AgentProfile document.
// Files that fail to parse are skipped with a warning; a missing directory
// yields no profiles.
func LoadDir(dir string, log *logger.Logger) ([]*v1.AgentProfile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile directory: %w", err)
	}

	var profiles []*v1.AgentProfile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		profile, err := loadFile(path)
		if err != nil {
			log.Warn("skipping invalid profile", zap.String("path", path), zap.Error(err))
			continue
		}
		profiles = append(profiles, profile)
	}

	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].Identifier < profiles[j].Identifier
	})
	return profiles, nil
}

func loadFile(path string) (*v1.AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var profile v1.AgentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if profile.Identifier == "" {
		profile.Identifier = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &profile, nil
}

// Seed loads profiles from dir and upserts them into the store.
func Seed(ctx context.Context, dir string, s store.Store, log *logger.Logger) error {
	profiles, err := LoadDir(dir, log)
	if err != nil {
		return err
	}
	for _, profile := range profiles {
		if err := s.SaveAgentProfile(ctx, profile); err != nil {
			return fmt.Errorf("failed to seed profile %q: %w", profile.Identifier, err)
		}
	}
	if len(profiles) > 0 {
		log.Info("seeded agent profiles", zap.Int("count", len(profiles)))
	}
	return nil
}
