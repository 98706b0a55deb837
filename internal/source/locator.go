package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

const (
	GlobalLocationID        = "global"
	workspaceLocationPrefix = "workspace:"
	stateDBName             = "state.vscdb"
	workspaceManifestName   = "workspace.json"
)

// CandidateDirs lists the IDE data directories checked under home, in order.
func CandidateDirs(home string) []string {
	return []string{
		filepath.Join(home, ".config", "Cursor"),
		filepath.Join(home, "Library", "Application Support", "Cursor"),
		filepath.Join(home, ".cursor"),
	}
}

// DetectCursorDir returns the first candidate directory that exists, or the
// first candidate when none do so a later install is still picked up.
func DetectCursorDir(home string) string {
	candidates := CandidateDirs(home)
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return candidates[0]
}

type Locator struct {
	Root string
}

func NewLocator(root string) Locator {
	return Locator{Root: strings.TrimSpace(root)}
}

func (l Locator) globalPath() string {
	return filepath.Join(l.Root, "User", "globalStorage", stateDBName)
}

func (l Locator) workspaceRoot() string {
	return filepath.Join(l.Root, "User", "workspaceStorage")
}

// Locations enumerates the global store and every workspace store that
// currently exists. The global location is always reported, even when its
// file is missing, so a vanished store surfaces as a read error.
func (l Locator) Locations() ([]chatvault.SourceLocation, error) {
	if l.Root == "" {
		return nil, chatvault.ErrInvalidInput
	}
	locations := []chatvault.SourceLocation{{
		ID:   GlobalLocationID,
		Kind: chatvault.LocationGlobal,
		Path: l.globalPath(),
	}}
	entries, err := os.ReadDir(l.workspaceRoot())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return locations, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.workspaceRoot(), entry.Name(), stateDBName)); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		locations = append(locations, l.workspaceLocation(name))
	}
	return locations, nil
}

// Location resolves a location id whether or not its file exists yet.
func (l Locator) Location(id string) (chatvault.SourceLocation, error) {
	id = strings.TrimSpace(id)
	if id == "" || id == GlobalLocationID {
		return chatvault.SourceLocation{ID: GlobalLocationID, Kind: chatvault.LocationGlobal, Path: l.globalPath()}, nil
	}
	hash, ok := strings.CutPrefix(id, workspaceLocationPrefix)
	if !ok || hash == "" || strings.ContainsAny(hash, `/\`) || hash == "." || hash == ".." {
		return chatvault.SourceLocation{}, fmt.Errorf("%w: unknown source location %q", chatvault.ErrInvalidInput, id)
	}
	return l.workspaceLocation(hash), nil
}

func (l Locator) workspaceLocation(hash string) chatvault.SourceLocation {
	return chatvault.SourceLocation{
		ID:          WorkspaceLocationID(hash),
		Kind:        chatvault.LocationWorkspace,
		Path:        filepath.Join(l.workspaceRoot(), hash, stateDBName),
		WorkspaceID: hash,
	}
}

func WorkspaceLocationID(workspaceID string) string {
	return workspaceLocationPrefix + workspaceID
}

// WatchDirs returns the directories whose changes indicate new chat data.
func (l Locator) WatchDirs() []string {
	return []string{filepath.Dir(l.globalPath()), l.workspaceRoot()}
}

// ResolveWorkspace finds the workspace store whose manifest names folder.
func (l Locator) ResolveWorkspace(folder string) (chatvault.Workspace, bool) {
	folder = filepath.Clean(folder)
	if l.Root == "" || folder == "." {
		return chatvault.Workspace{}, false
	}
	entries, err := os.ReadDir(l.workspaceRoot())
	if err != nil {
		return chatvault.Workspace{}, false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ws := ReadWorkspace(l.workspaceLocation(entry.Name()))
		if ws != nil && ws.Path != "" && filepath.Clean(ws.Path) == folder {
			return *ws, true
		}
	}
	return chatvault.Workspace{}, false
}

type workspaceManifest struct {
	Folder    string `json:"folder"`
	Workspace string `json:"workspace"`
}

// ReadWorkspace loads the project folder recorded next to a workspace store.
// A missing or unreadable manifest yields a workspace with only its id.
func ReadWorkspace(loc chatvault.SourceLocation) *chatvault.Workspace {
	if loc.Kind != chatvault.LocationWorkspace || loc.WorkspaceID == "" {
		return nil
	}
	ws := &chatvault.Workspace{ID: loc.WorkspaceID, DisplayName: loc.WorkspaceID, Location: loc.ID}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(loc.Path), workspaceManifestName))
	if err != nil {
		return ws
	}
	var manifest workspaceManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return ws
	}
	target := manifest.Folder
	if target == "" {
		target = manifest.Workspace
	}
	if path := pathFromURI(target); path != "" {
		ws.Path = path
		ws.DisplayName = workspaceDisplayName(path)
	}
	return ws
}

func workspaceDisplayName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".code-workspace")
}

func pathFromURI(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return raw
	}
	if parsed.Path == "" {
		return ""
	}
	return parsed.Path
}
