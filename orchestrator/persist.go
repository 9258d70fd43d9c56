package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// ManifestFile is the session summary written into every session directory.
const ManifestFile = "session.json"

// mkSessionDir creates outputs/session_<ts>_<id8>.
func mkSessionDir(outputsRoot, id string, at time.Time) (string, error) {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	dir := filepath.Join(outputsRoot, "session_"+at.Format("20060102-150405")+"_"+short)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// persist writes the manifest into its session directory.
func persist(m Manifest) (string, error) {
	path := filepath.Join(m.Dir, ManifestFile)
	if err := writeJSON(path, m); err != nil {
		return "", err
	}
	return path, nil
}

// ReadManifest loads a persisted session manifest from a session
// directory.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(raw, &m)
	return m, err
}
