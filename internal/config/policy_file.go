package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type queuePolicyFile struct {
	Queues map[string]QueuePolicy `yaml:"queues"`
}

// LoadQueuePolicies reads per-queue overrides from a YAML document:
//
//	queues:
//	  report-generation:
//	    attempts: 4
//	    backoff: {kind: exponential, base: 3s}
func LoadQueuePolicies(path string) (map[string]QueuePolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queue policy file: %w", err)
	}

	var file queuePolicyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode queue policy file: %w", err)
	}
	if file.Queues == nil {
		return map[string]QueuePolicy{}, nil
	}
	return file.Queues, nil
}
