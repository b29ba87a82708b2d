package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Top-level YAML config key names used for shallow merge.
const (
	keyBatch    = "batch"
	keyExecutor = "executor"
	keyStorage  = "storage"
	keyCancel   = "cancel"
	keyPublish  = "publish"
	keyLogging  = "logging"
)

// ShallowMergeYAML loads a YAML file and merges its top-level keys onto
// target. A key present in the overlay replaces the whole section; absent
// keys leave the target unchanged. Unknown keys are ignored.
func ShallowMergeYAML(target *Config, overlayPath string) error {
	if target == nil {
		return errors.New("nil target *Config in ShallowMergeYAML")
	}

	data, err := os.ReadFile(overlayPath)
	if err != nil {
		return fmt.Errorf("reading overlay file %s: %w", overlayPath, err)
	}

	var overlay map[string]yaml.Node
	if err = yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing overlay YAML from %s: %w", overlayPath, err)
	}

	for key, node := range overlay {
		if err = mergeSection(target, key, &node); err != nil {
			return fmt.Errorf("applying overlay section %q: %w", key, err)
		}
	}

	return nil
}

// mergeSection decodes node into a fresh value of the section's type and
// assigns it, so maps and slices are replaced rather than merged.
func mergeSection(target *Config, key string, node *yaml.Node) error {
	switch key {
	case keyBatch:
		return decodeInto(node, &target.Batch)
	case keyExecutor:
		return decodeInto(node, &target.Executor)
	case keyStorage:
		return decodeInto(node, &target.Storage)
	case keyCancel:
		return decodeInto(node, &target.Cancel)
	case keyPublish:
		return decodeInto(node, &target.Publish)
	case keyLogging:
		return decodeInto(node, &target.Logging)
	default:
		return nil
	}
}

func decodeInto[T any](node *yaml.Node, dst *T) error {
	var v T
	if err := node.Decode(&v); err != nil {
		return err
	}
	*dst = v
	return nil
}
