// Package migrate moves documents between a resource directory and JSONL
// files, one flat JSON object per line:
//
//	{"guid": "a1b2...", "title": "Chat", "tags": ["im"]}
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/sugar-network/node/internal/directory"
	"github.com/sugar-network/node/internal/schema"
)

// Options contains configuration for an import.
type Options struct {
	DryRun bool // Preview without writing
	Logger *log.Logger
}

// Result contains statistics about an import.
type Result struct {
	Created   int
	Updated   int
	Unchanged int
	Errors    []string
}

// Line is one JSONL document: property values plus an optional guid.
type Line map[string]json.RawMessage

// GUID returns the line's guid, or "" when it has none.
func (l Line) GUID() (string, error) {
	raw, ok := l[schema.GUIDProperty]
	if !ok {
		return "", nil
	}
	var guid string
	if err := json.Unmarshal(raw, &guid); err != nil {
		return "", fmt.Errorf("guid must be a string: %w", err)
	}
	return guid, nil
}

// FromJSONL reads a JSONL file. Blank lines are skipped; any malformed line
// fails the whole read.
func FromJSONL(path string) ([]Line, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var lines []Line
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var line Line
		if err := json.Unmarshal(data, &line); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL file: %w", err)
	}
	return lines, nil
}

// props keeps the declared properties of a line.
func props(dir *directory.Directory, line Line, logger *log.Logger) directory.Props {
	out := make(directory.Props, len(line))
	res := dir.Resource()
	for name, value := range line {
		if name == schema.GUIDProperty {
			continue
		}
		if _, ok := res.Property(name); !ok {
			logger.Printf("Warning: skipping undeclared property %s.%s", res.Name, name)
			continue
		}
		out[name] = value
	}
	return out
}

func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// Import creates or updates documents of dir from the JSONL file at path.
// Lines with a guid that is already stored update only the properties that
// differ; other lines create documents.
func Import(ctx context.Context, dir *directory.Directory, path string, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}

	lines, err := FromJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	result := &Result{}
	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		guid, err := line.GUID()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("document %d: %v", i+1, err))
			continue
		}
		values := props(dir, line, logger)

		var current *schema.Document
		if guid != "" {
			current, err = dir.Get(ctx, guid)
			if err != nil && !errors.Is(err, directory.ErrNotFound) {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to read %s: %v", guid, err))
				continue
			}
		}

		if current == nil {
			if !opts.DryRun {
				create := values
				if guid != "" {
					create = make(directory.Props, len(values)+1)
					for k, v := range values {
						create[k] = v
					}
					create[schema.GUIDProperty] = line[schema.GUIDProperty]
				}
				if _, err := dir.Create(ctx, create); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("failed to create document %d: %v", i+1, err))
					continue
				}
			}
			result.Created++
			continue
		}

		changed := make(directory.Props)
		for name, value := range values {
			if p, ok := current.Props[name]; !ok || !sameJSON(p.Value, value) {
				changed[name] = value
			}
		}
		if len(changed) == 0 {
			result.Unchanged++
			continue
		}
		if !opts.DryRun {
			if err := dir.Update(ctx, guid, changed); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to update %s: %v", guid, err))
				continue
			}
		}
		result.Updated++
	}
	return result, nil
}

// Export writes every live document of dir to w as JSONL, in guid order,
// and returns how many were written.
func Export(ctx context.Context, dir *directory.Directory, w io.Writer) (int, error) {
	docs, err := dir.List(ctx)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(w)
	n := 0
	for _, doc := range docs {
		line := make(map[string]json.RawMessage, len(doc.Props)+1)
		for name, p := range doc.Props {
			if name == schema.LayerProperty {
				continue
			}
			line[name] = p.Value
		}
		guid, _ := json.Marshal(doc.GUID)
		line[schema.GUIDProperty] = guid

		// encoding/json sorts map keys, so lines are stable
		data, err := json.Marshal(line)
		if err != nil {
			return n, fmt.Errorf("failed to encode %s: %w", doc.GUID, err)
		}
		bw.Write(data)
		bw.WriteByte('\n')
		n++
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("failed to write JSONL: %w", err)
	}
	return n, nil
}

// ExportFile writes dir to path atomically via a temp file.
func ExportFile(ctx context.Context, dir *directory.Directory, path string) (int, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := Export(ctx, dir, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return n, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return n, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}
