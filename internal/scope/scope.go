// Package scope maps an environment scope name to its isolated on-disk
// layout.
//
// A scope owns a data directory (where fetched artifacts land) and a
// versions directory (registry, audit log, backups, staging). The mapping is
// pure: no filesystem access happens during Resolve. Distinct scope names
// never resolve to overlapping directories.
//
// Layout under a root, for scope "production":
//
//	<root>/ontology_data_owl/                  data root
//	<root>/ontology_versions/ontology_versions.json
//	<root>/ontology_versions/download_history.log
//	<root>/ontology_versions/backups/          backup root + manifest.db
//	<root>/ontology_versions/staging/          temp files for in-flight fetches
//
// Any other scope name N uses the same names suffixed with "_N"
// (ontology_data_owl_test, ontology_versions_test, ...).
package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// Production is the default scope and the only one without a suffix.
	Production = "production"
	// Test is the conventional scope for small validation data sets.
	Test = "test"
)

const (
	dataDirBase     = "ontology_data_owl"
	versionsDirBase = "ontology_versions"
	registryFile    = "ontology_versions.json"
	auditFile       = "download_history.log"
	backupDir       = "backups"
	manifestDBFile  = "manifest.db"
	stagingDir      = "staging"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

// Paths is the resolved directory layout for one scope. Every path is
// absolute once Resolve has returned.
type Paths struct {
	Name           string `json:"name"`
	DataRoot       string `json:"data_root"`
	VersionsRoot   string `json:"versions_root"`
	RegistryPath   string `json:"registry_path"`
	AuditPath      string `json:"audit_path"`
	BackupRoot     string `json:"backup_root"`
	BackupManifest string `json:"backup_manifest"`
	StagingRoot    string `json:"staging_root"`
}

// ValidateName reports whether name is an acceptable scope name:
// lowercase letters, digits and hyphens, starting with a letter.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid scope name %q: must match %s", name, namePattern.String())
	}
	return nil
}

// Resolve returns the layout for scope name under root.
func Resolve(root, name string) (Paths, error) {
	if err := ValidateName(name); err != nil {
		return Paths{}, err
	}
	if root == "" {
		return Paths{}, fmt.Errorf("scope %q: empty root directory", name)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Paths{}, fmt.Errorf("scope %q: resolve root: %w", name, err)
	}

	suffix := ""
	if name != Production {
		suffix = "_" + name
	}
	data := filepath.Join(absRoot, dataDirBase+suffix)
	versions := filepath.Join(absRoot, versionsDirBase+suffix)
	backups := filepath.Join(versions, backupDir)

	return Paths{
		Name:           name,
		DataRoot:       data,
		VersionsRoot:   versions,
		RegistryPath:   filepath.Join(versions, registryFile),
		AuditPath:      filepath.Join(versions, auditFile),
		BackupRoot:     backups,
		BackupManifest: filepath.Join(backups, manifestDBFile),
		StagingRoot:    filepath.Join(versions, stagingDir),
	}, nil
}

// Roots returns the top-level directories owned by the scope. Every other
// path in Paths lives beneath one of them.
func (p Paths) Roots() []string {
	return []string{p.DataRoot, p.VersionsRoot}
}

// Destination joins a manifest-relative destination onto the data root and
// rejects paths that would escape it.
func (p Paths) Destination(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty destination path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("destination %q must be relative", rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("destination %q escapes the data root", rel)
	}
	return filepath.Join(p.DataRoot, clean), nil
}

// Owns reports whether path lies inside one of the scope's roots.
func (p Paths) Owns(path string) bool {
	for _, root := range p.Roots() {
		if within(root, path) {
			return true
		}
	}
	return false
}

// Overlaps reports whether any root of p contains, or is contained by, any
// root of q.
func (p Paths) Overlaps(q Paths) bool {
	for _, a := range p.Roots() {
		for _, b := range q.Roots() {
			if within(a, b) || within(b, a) {
				return true
			}
		}
	}
	return false
}

// Ensure creates the scope's directories.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.DataRoot, p.VersionsRoot, p.BackupRoot, p.StagingRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("scope %s: create %s: %w", p.Name, dir, err)
		}
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
