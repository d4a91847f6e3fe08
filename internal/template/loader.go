// Package template loads message-template seed files.
package template

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"msghub/internal/domain"

	"gopkg.in/yaml.v3"
)

// Seeder persists seed templates without clobbering user edits.
type Seeder interface {
	SeedTemplate(ctx context.Context, t *domain.MessageTemplate) error
}

type templateFile struct {
	UserID  string `yaml:"userId"`
	Name    string `yaml:"name"`
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// LoadFromDirectory reads template definitions from YAML files in a
// directory. Files must have a .yaml or .yml extension.
func LoadFromDirectory(dir string, logger *slog.Logger) ([]domain.MessageTemplate, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("template seed directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}

	var templates []domain.MessageTemplate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read template file", "path", path, "err", err)
			continue
		}

		var tf templateFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			logger.Warn("cannot parse template file", "path", path, "err", err)
			continue
		}
		if tf.Body == "" {
			logger.Warn("template file has no body, skipping", "path", path)
			continue
		}
		if tf.Name == "" {
			tf.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}

		templates = append(templates, domain.MessageTemplate{
			UserID:  tf.UserID,
			Name:    tf.Name,
			Subject: tf.Subject,
			Body:    tf.Body,
		})
	}
	return templates, nil
}

// Seed loads templates from dir and inserts the ones not already present.
func Seed(ctx context.Context, dir string, store Seeder, logger *slog.Logger) error {
	templates, err := LoadFromDirectory(dir, logger)
	if err != nil {
		return err
	}
	for i := range templates {
		if err := store.SeedTemplate(ctx, &templates[i]); err != nil {
			return fmt.Errorf("seed template %s: %w", templates[i].Name, err)
		}
	}
	if len(templates) > 0 {
		logger.Info("seeded message templates", "count", len(templates), "dir", dir)
	}
	return nil
}
