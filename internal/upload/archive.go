package upload

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ListRepoFiles returns the paths (relative to repoRoot) that belong in a
// full-archive upload: everything git tracks or would add, falling back
// to a plain directory walk (skipping .git) if repoRoot is not a git
// repository at all.
func ListRepoFiles(ctx context.Context, repoRoot string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard", "-z")
	cmd.Dir = repoRoot
	out, err := cmd.Output()
	if err != nil {
		return walkRepoFiles(repoRoot)
	}

	var files []string
	for _, entry := range strings.Split(string(out), "\x00") {
		if entry != "" {
			files = append(files, entry)
		}
	}
	return files, nil
}

func walkRepoFiles(repoRoot string) ([]string, error) {
	var files []string
	err := filepath.Walk(repoRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(repoRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		for _, p := range parts {
			if p == ".git" {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if !info.IsDir() {
			files = append(files, rel)
		}
		return nil
	})
	return files, err
}

// CreateArchive builds an in-memory tar of repoRoot's tracked files, for
// hosts that have no usable git remote to clone from.
func CreateArchive(ctx context.Context, repoRoot string) ([]byte, error) {
	files, err := ListRepoFiles(ctx, repoRoot)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, rel := range files {
		full := filepath.Join(repoRoot, rel)
		info, err := os.Lstat(full)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		hdr := &tar.Header{
			Name: rel,
			Mode: int64(info.Mode().Perm()),
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
