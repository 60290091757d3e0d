// Package vault provides the file-tree collaborator holding markdown notes.
// The Vault interface is what the sync engine consumes; DirVault is the
// OS-directory implementation the daemon runs against.
package vault

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vaultmirror/vaultmirror/internal/models"
)

// FileInfo describes one vault file.
type FileInfo struct {
	Name string
	Path string // vault-relative, slash-separated
}

// Note is a parsed vault file: body content with frontmatter split off.
type Note struct {
	Content     string
	Frontmatter models.Frontmatter
}

// Stats carries the file metadata the sync engine needs.
type Stats struct {
	ModifiedMs int64
}

// Vault is the file-tree abstraction holding markdown notes. It is the
// authoritative human-facing copy; the sync engine treats it as an external
// collaborator.
type Vault interface {
	ListFiles(folder string, recursive bool) ([]FileInfo, error)
	ReadFile(path string) (*Note, error) // nil when absent
	WriteFile(path, content string, frontmatter models.Frontmatter) error
	CreateFile(path, content string) error
	Stats(path string) (*Stats, error) // nil when absent
	Exists(path string) bool
}

// DirVault implements Vault over an OS directory.
type DirVault struct {
	root string
}

// NewDirVault creates a DirVault rooted at dir, creating it if needed.
func NewDirVault(dir string) (*DirVault, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}
	return &DirVault{root: dir}, nil
}

// Root returns the vault root directory.
func (v *DirVault) Root() string {
	return v.root
}

func (v *DirVault) abs(rel string) string {
	return filepath.Join(v.root, filepath.FromSlash(rel))
}

// ListFiles returns markdown files under folder.
func (v *DirVault) ListFiles(folder string, recursive bool) ([]FileInfo, error) {
	base := v.abs(folder)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return nil, nil
	}

	var files []FileInfo
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && p != base {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, err := filepath.Rel(v.root, p)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Name: d.Name(),
			Path: filepath.ToSlash(rel),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list vault files: %w", err)
	}
	return files, nil
}

// ReadFile reads a note and splits its YAML frontmatter. Returns nil when
// the file does not exist.
func (v *DirVault) ReadFile(rel string) (*Note, error) {
	data, err := os.ReadFile(v.abs(rel))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault file: %w", err)
	}

	content, frontmatter, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter in %s: %w", rel, err)
	}
	return &Note{Content: content, Frontmatter: frontmatter}, nil
}

// WriteFile writes a note, joining frontmatter back into the file body.
func (v *DirVault) WriteFile(rel, content string, frontmatter models.Frontmatter) error {
	full := v.abs(rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create note folder: %w", err)
	}

	body, err := joinFrontmatter(content, frontmatter)
	if err != nil {
		return fmt.Errorf("failed to serialize frontmatter for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(body), 0644); err != nil {
		return fmt.Errorf("failed to write vault file: %w", err)
	}
	return nil
}

// CreateFile writes a new note without frontmatter.
func (v *DirVault) CreateFile(rel, content string) error {
	return v.WriteFile(rel, content, nil)
}

// Stats returns file metadata, or nil when the file does not exist.
func (v *DirVault) Stats(rel string) (*Stats, error) {
	info, err := os.Stat(v.abs(rel))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat vault file: %w", err)
	}
	return &Stats{ModifiedMs: info.ModTime().UnixMilli()}, nil
}

// Exists reports whether the file exists.
func (v *DirVault) Exists(rel string) bool {
	_, err := os.Stat(v.abs(rel))
	return err == nil
}

const frontmatterFence = "---"

// splitFrontmatter separates a leading YAML frontmatter block from the note
// body. Content without a fence is returned unchanged.
func splitFrontmatter(raw string) (string, models.Frontmatter, error) {
	lines := strings.Split(raw, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != frontmatterFence {
		return raw, nil, nil
	}

	for i, line := range lines[1:] {
		if strings.TrimSpace(line) == frontmatterFence {
			var fm models.Frontmatter
			block := strings.Join(lines[1:i+1], "\n")
			if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
				return "", nil, err
			}
			body := strings.Join(lines[i+2:], "\n")
			body = strings.TrimPrefix(body, "\n")
			return body, fm, nil
		}
	}
	// Unterminated fence: treat the whole file as body.
	return raw, nil, nil
}

// joinFrontmatter prepends a YAML frontmatter block to the body.
func joinFrontmatter(content string, frontmatter models.Frontmatter) (string, error) {
	if len(frontmatter) == 0 {
		return content, nil
	}
	block, err := yaml.Marshal(map[string]interface{}(frontmatter))
	if err != nil {
		return "", err
	}
	return frontmatterFence + "\n" + string(block) + frontmatterFence + "\n\n" + content, nil
}
