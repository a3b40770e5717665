package manifest

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	sectionApplicationFolder = "ApplicationFolder"
	sectionPersistentPrefix  = "PersistentMemory."
)

var persistentKeys = map[string]bool{
	"lowerdir": true,
	"upperdir": true,
	"workdir":  true,
	"mergedir": true,
}

// Parse reads overlay.ini from path. An unknown section name, or an
// unknown key inside a known section, is a fatal configuration error
// (spec §3).
func Parse(path string) (Manifest, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: load %s: %w", path, err)
	}

	var m Manifest

	for _, section := range cfg.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			continue
		}

		switch {
		case name == sectionApplicationFolder:
			for _, key := range section.Keys() {
				m.ApplicationFolders = append(m.ApplicationFolders, unquote(key.Name()))
			}
		case strings.HasPrefix(name, sectionPersistentPrefix):
			entryName := strings.TrimPrefix(name, sectionPersistentPrefix)

			entry := PersistentEntry{Name: entryName}

			for _, key := range section.Keys() {
				lower := strings.ToLower(key.Name())
				if !persistentKeys[lower] {
					return Manifest{}, &UnknownKey{Section: name, Key: key.Name()}
				}

				switch lower {
				case "lowerdir":
					entry.LowerDir = key.Value()
				case "upperdir":
					entry.UpperDir = key.Value()
				case "workdir":
					entry.WorkDir = key.Value()
				case "mergedir":
					entry.MergeDir = key.Value()
				}
			}

			m.PersistentMemories = append(m.PersistentMemories, entry)
		default:
			return Manifest{}, &UnknownSection{Section: name}
		}
	}

	return m, nil
}

// unquote strips a single layer of surrounding double quotes, matching the
// "list of quoted paths" shape the manifest's ApplicationFolder section
// uses (each path is a boolean key whose name is the quoted path itself).
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}

	return s
}
