package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"
)

const filesystemService = "filesystem"

// FileInfo describes a file or directory in the sandbox.
type FileInfo struct {
	IsDir bool   `json:"isDir"`
	Name  string `json:"name"`
}

// FilesystemManager manipulates files and directories in the sandbox. It is
// a thin facade over the connection's call primitive; relative paths resolve
// against the sandbox's working directory.
type FilesystemManager struct {
	sb  *Sandbox
	log *zap.SugaredLogger
}

// Read returns the whole content of a file as a string.
func (m *FilesystemManager) Read(ctx context.Context, filePath string) (string, error) {
	filePath = m.resolvePath(filePath)
	raw, err := m.sb.Call(ctx, filesystemService, "read", filePath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filePath, err)
	}
	var content string
	if err := json.Unmarshal(raw, &content); err != nil {
		return "", fmt.Errorf("reading %s: decoding result: %w", filePath, err)
	}
	return content, nil
}

// ReadBytes returns the whole content of a file. Use it for content that
// cannot be represented as UTF-8 text.
func (m *FilesystemManager) ReadBytes(ctx context.Context, filePath string) ([]byte, error) {
	filePath = m.resolvePath(filePath)
	raw, err := m.sb.Call(ctx, filesystemService, "readBase64", filePath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filePath, err)
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("reading %s: decoding result: %w", filePath, err)
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("reading %s: decoding base64: %w", filePath, err)
	}
	return content, nil
}

// Write writes content to a file, creating it if needed and overwriting it
// otherwise.
func (m *FilesystemManager) Write(ctx context.Context, filePath, content string) error {
	filePath = m.resolvePath(filePath)
	if _, err := m.sb.Call(ctx, filesystemService, "write", filePath, content); err != nil {
		return fmt.Errorf("writing %s: %w", filePath, err)
	}
	return nil
}

// WriteBytes writes binary content to a file.
func (m *FilesystemManager) WriteBytes(ctx context.Context, filePath string, content []byte) error {
	filePath = m.resolvePath(filePath)
	encoded := base64.StdEncoding.EncodeToString(content)
	if _, err := m.sb.Call(ctx, filesystemService, "writeBase64", filePath, encoded); err != nil {
		return fmt.Errorf("writing %s: %w", filePath, err)
	}
	return nil
}

// Remove removes a file or directory.
func (m *FilesystemManager) Remove(ctx context.Context, filePath string) error {
	filePath = m.resolvePath(filePath)
	if _, err := m.sb.Call(ctx, filesystemService, "remove", filePath); err != nil {
		return fmt.Errorf("removing %s: %w", filePath, err)
	}
	return nil
}

// List returns the entries of a directory.
func (m *FilesystemManager) List(ctx context.Context, dirPath string) ([]FileInfo, error) {
	dirPath = m.resolvePath(dirPath)
	raw, err := m.sb.Call(ctx, filesystemService, "list", dirPath)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dirPath, err)
	}
	var infos []FileInfo
	if err := json.Unmarshal(raw, &infos); err != nil {
		return nil, fmt.Errorf("listing %s: decoding result: %w", dirPath, err)
	}
	return infos, nil
}

// MakeDir creates a directory and all directories along the way.
func (m *FilesystemManager) MakeDir(ctx context.Context, dirPath string) error {
	dirPath = m.resolvePath(dirPath)
	if _, err := m.sb.Call(ctx, filesystemService, "makeDir", dirPath); err != nil {
		return fmt.Errorf("creating directory %s: %w", dirPath, err)
	}
	return nil
}

// WatchDir returns a watcher for filesystem events under dirPath. The
// watcher is inert until Start is called.
func (m *FilesystemManager) WatchDir(dirPath string) *Watcher {
	dirPath = m.resolvePath(dirPath)
	return &Watcher{
		sb:        m.sb,
		log:       m.log.Named("watcher"),
		path:      dirPath,
		listeners: map[int]func(FilesystemEvent){},
	}
}

func (m *FilesystemManager) resolvePath(p string) string {
	if strings.HasPrefix(p, "~") {
		p = homeDir + strings.TrimPrefix(p, "~")
	}
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	base := m.sb.cfg.CWD
	if base == "" {
		base = homeDir
	}
	return path.Join(base, p)
}
