package inputs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rshade/flowbatch/internal/failure"
)

// maxDirLoaders bounds concurrent file reads when a source is a directory.
const maxDirLoaders = 4

// supportedExtensions lists the data file formats the loader understands.
//
//nolint:gochecknoglobals // Static lookup table.
var supportedExtensions = map[string]bool{
	".jsonl": true,
	".json":  true,
	".csv":   true,
	".tsv":   true,
}

// LoadRows reads one input source. path may be a file or a directory, in
// which case every supported file is read in name order and the rows are
// concatenated. maxRows > 0 truncates the result.
func LoadRows(ctx context.Context, path string, maxRows int) ([]map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, failure.Wrap(failure.CategoryUser, failure.TargetInputs, failure.CodeInputDataNotFound, err,
			"input data %q cannot be read: %v", path, err)
	}

	var rows []map[string]any
	if info.IsDir() {
		rows, err = loadDir(ctx, path)
	} else {
		rows, err = loadFile(path)
	}
	if err != nil {
		return nil, err
	}

	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	return rows, nil
}

func loadDir(ctx context.Context, dir string) ([]map[string]any, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, failure.Wrap(failure.CategoryUser, failure.TargetInputs, failure.CodeInputDataNotFound, err,
			"input directory %q cannot be read: %v", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !supportedExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	perFile := make([][]map[string]any, len(files))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxDirLoaders)
	for i, file := range files {
		g.Go(func() error {
			rows, loadErr := loadFile(file)
			if loadErr != nil {
				return loadErr
			}
			perFile[i] = rows
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	var rows []map[string]any
	for _, r := range perFile {
		rows = append(rows, r...)
	}
	return rows, nil
}

func loadFile(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Wrap(failure.CategoryUser, failure.TargetInputs, failure.CodeInputDataNotFound, err,
			"input file %q cannot be read: %v", path, err)
	}

	var rows []map[string]any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".jsonl":
		rows, err = parseJSONL(data)
	case ".json":
		rows, err = parseJSON(data)
	case ".csv":
		rows, err = parseDelimited(data, ',')
	case ".tsv":
		rows, err = parseDelimited(data, '\t')
	default:
		return nil, failure.User(failure.TargetInputs, failure.CodeInputDataParse,
			"input file %q has unsupported format %q", path, ext)
	}
	if err != nil {
		return nil, failure.Wrap(failure.CategoryUser, failure.TargetInputs, failure.CodeInputDataParse, err,
			"input file %q cannot be parsed: %v", path, err)
	}
	return rows, nil
}

func parseJSONL(data []byte) ([]map[string]any, error) {
	var rows []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

func parseJSON(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '{' {
		var row map[string]any
		if err := json.Unmarshal(trimmed, &row); err != nil {
			return nil, err
		}
		return []map[string]any{row}, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func parseDelimited(data []byte, sep rune) ([]map[string]any, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sep
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	for {
		record, readErr := r.Read()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
