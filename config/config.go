// Package config implements auto-detection of the prototype tree of a
// game checkout and loading of the .protoloc.yaml project file.
package config

import (
	"os"
	"path/filepath"
)

// SourceCandidates are the directories, relative to the project root, that
// are tried in order when no source directory is configured.
var SourceCandidates = []string{
	"Resources/Prototypes",
	"Content/Resources/Prototypes",
	"Resources",
	"Content",
}

// Project holds the auto-detected layout of a game checkout.
type Project struct {
	// Root is the absolute project root.
	Root string
	// Name is the base name of Root.
	Name string
	// Source is the absolute prototype directory, or "" when none of the
	// candidates exists.
	Source string
	// Candidate is the matched entry of SourceCandidates.
	Candidate string
}

// Detected reports whether a prototype directory was found.
func (p *Project) Detected() bool {
	return p.Source != ""
}

// Detect auto-detects the prototype directory below rootDir.
func Detect(rootDir string) *Project {
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		absRoot = rootDir
	}

	p := &Project{
		Root: absRoot,
		Name: filepath.Base(absRoot),
	}

	for _, candidate := range SourceCandidates {
		dir := filepath.Join(absRoot, filepath.FromSlash(candidate))
		if isDir(dir) {
			p.Source = dir
			p.Candidate = candidate
			break
		}
	}
	return p
}

// ResolveSource picks the prototype directory: an explicit value (absolute
// or relative to the project root) wins over detection.
func (p *Project) ResolveSource(explicit string) string {
	if explicit == "" {
		return p.Source
	}
	if filepath.IsAbs(explicit) {
		return explicit
	}
	return filepath.Join(p.Root, explicit)
}

// Resolve makes a configured path absolute relative to the project root.
func (p *Project) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.Root, path)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
