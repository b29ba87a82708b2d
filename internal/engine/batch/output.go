package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rshade/flowbatch/internal/runinfo"
)

// OutputFileName is the name of the output file written into the run's
// output directory.
const OutputFileName = "output.jsonl"

// writeOutputs writes the output of every completed line, tagged with its
// line number and sorted by it, as one JSON object per line. Outputs are
// not padded to a common key set. The file is replaced atomically.
func writeOutputs(dir string, lines []*runinfo.LineResult) (string, error) {
	completed := make([]*runinfo.LineResult, 0, len(lines))
	for _, line := range lines {
		if line.RunInfo != nil && line.RunInfo.Status == runinfo.StatusCompleted {
			completed = append(completed, line)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].RunInfo.LineIndex() < completed[j].RunInfo.LineIndex()
	})

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, line := range completed {
		record := make(map[string]any, len(line.Output)+1)
		for k, v := range line.Output {
			record[k] = v
		}
		record[runinfo.LineNumberKey] = line.RunInfo.LineIndex()
		if err := enc.Encode(record); err != nil {
			return "", fmt.Errorf("encoding output of line %d: %w", line.RunInfo.LineIndex(), err)
		}
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	path := filepath.Join(dir, OutputFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("writing output file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("replacing output file: %w", err)
	}
	return path, nil
}
