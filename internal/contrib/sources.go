package contrib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileToolLister loads tool schemas from a YAML file. The file is re-read
// on every call so a registry reload picks up edits without a restart.
type FileToolLister struct {
	Path string
}

type toolFile struct {
	Tools []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		InputSchema string `yaml:"input_schema"`
	} `yaml:"tools"`
}

// ListTools implements ToolLister.
func (f FileToolLister) ListTools(_ context.Context) ([]ToolSchema, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read tools file: %w", err)
	}

	var parsed toolFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse tools file %s: %w", f.Path, err)
	}

	out := make([]ToolSchema, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("tools file %s: tool with empty name", f.Path)
		}
		out = append(out, ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

// DirDocumentReader serves attachment text from files under Root.
// Attachment names must stay inside the root.
type DirDocumentReader struct {
	Root string
}

// ReadDocument implements DocumentReader.
func (d DirDocumentReader) ReadDocument(_ context.Context, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("document name %q escapes the document root", name)
	}

	raw, err := os.ReadFile(filepath.Join(d.Root, cleaned))
	if err != nil {
		return "", fmt.Errorf("read document %s: %w", name, err)
	}
	return string(raw), nil
}
