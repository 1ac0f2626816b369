// Package seed imports monitor definitions from a YAML file at startup.
package seed

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/upmon/upmon/internal/service"
	"github.com/upmon/upmon/internal/store"
)

// File is the top-level seed document.
type File struct {
	Nodes []Entry `yaml:"nodes"`
}

// Entry is one seeded monitor. Fields mirror the create-node request plus
// the owning user.
type Entry struct {
	UserID              string            `yaml:"user_id"`
	Name                string            `yaml:"name"`
	EndpointURL         string            `yaml:"endpoint_url"`
	Method              string            `yaml:"method"`
	Headers             map[string]string `yaml:"headers"`
	Body                string            `yaml:"body"`
	CheckIntervalMs     int               `yaml:"check_interval_ms"`
	ExpectedStatusCodes []int             `yaml:"expected_status_codes"`
	FailureThreshold    int               `yaml:"failure_threshold"`
}

// Import reads the seed file and creates every node that does not already
// exist. Matching is by (user_id, name), so re-running with the same file
// is a no-op. Per-entry failures are logged and skipped; a malformed file
// is an error.
func Import(path string, cp *service.ControlPlane) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("seed: read %s: %w", path, err)
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("seed: parse %s: %w", path, err)
	}

	created := 0
	for i, entry := range file.Nodes {
		if entry.UserID == "" {
			log.Printf("[seed] entry %d: missing user_id, skipped", i)
			continue
		}
		exists, err := nodeExists(cp.Nodes, entry.UserID, entry.Name)
		if err != nil {
			return fmt.Errorf("seed: lookup %s/%s: %w", entry.UserID, entry.Name, err)
		}
		if exists {
			continue
		}
		if _, err := cp.CreateNode(entry.UserID, service.NodeSpec{
			Name:                entry.Name,
			EndpointURL:         entry.EndpointURL,
			Method:              entry.Method,
			Headers:             entry.Headers,
			Body:                entry.Body,
			CheckIntervalMs:     entry.CheckIntervalMs,
			ExpectedStatusCodes: entry.ExpectedStatusCodes,
			FailureThreshold:    entry.FailureThreshold,
		}); err != nil {
			log.Printf("[seed] entry %d (%s/%s): %v, skipped", i, entry.UserID, entry.Name, err)
			continue
		}
		created++
	}
	log.Printf("[seed] imported %s: %d created, %d total entries", path, created, len(file.Nodes))
	return nil
}

func nodeExists(nodes *store.NodeStore, userID, name string) (bool, error) {
	existing, err := nodes.ListByUser(userID, store.NodeFilter{})
	if err != nil {
		return false, err
	}
	for i := range existing {
		if existing[i].Name == name {
			return true, nil
		}
	}
	return false, nil
}
