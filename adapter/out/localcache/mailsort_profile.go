// Package localcache reads a desktop mail client's on-disk cache: mbox
// archives under a profile directory. The cache is a source only and is
// never rewritten.
package localcache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/ini.v1"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/pkg/logger"
)

// subfolderSuffix marks directories that hold a folder's children: a
// directory named "X.sbd" contains the subfolders of the archive "X".
const subfolderSuffix = ".sbd"

// profileIniLocations are tried in order when no explicit profile directory
// is configured, resolved against the user's home directory.
var profileIniLocations = []string{
	".thunderbird/profiles.ini",
	".mozilla-thunderbird/profiles.ini",
}

// Profile is a located mail profile and its known mail roots. Every path
// handed out as a source-ref must resolve back inside one of the roots.
type Profile struct {
	Dir   string
	roots []string
	log   zerolog.Logger
}

// Open locates a profile. An explicit directory wins; otherwise the
// platform profiles.ini is parsed for the default profile.
func Open(explicitDir string) (*Profile, error) {
	log := logger.For("localcache")

	dir := explicitDir
	if dir == "" {
		found, err := discoverDefaultProfile()
		if err != nil {
			return nil, err
		}
		dir = found
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve profile dir %s: %w", dir, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("profile directory %s does not exist", abs)
	}

	p := &Profile{Dir: abs, log: log}
	for _, sub := range []string{"Mail", "ImapMail"} {
		root := filepath.Join(abs, sub)
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			p.roots = append(p.roots, root)
		}
	}
	if len(p.roots) == 0 {
		return nil, fmt.Errorf("profile %s has no Mail or ImapMail directory", abs)
	}
	log.Debug().Str("profile", abs).Strs("roots", p.roots).Msg("profile opened")
	return p, nil
}

// discoverDefaultProfile parses profiles.ini. Preference order: an
// [Install*] section's Default path, then a [Profile*] section with
// Default=1, then the first [Profile*] section.
func discoverDefaultProfile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	for _, rel := range profileIniLocations {
		path := filepath.Join(home, rel)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		dir, err := parseProfilesIni(path)
		if err != nil {
			return "", err
		}
		return dir, nil
	}
	return "", fmt.Errorf("no profiles.ini found under %s", home)
}

func parseProfilesIni(path string) (string, error) {
	file, err := ini.Load(path)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	base := filepath.Dir(path)

	resolve := func(sec *ini.Section, p string) string {
		if sec.Key("IsRelative").MustInt(1) == 0 {
			return p
		}
		return filepath.Join(base, p)
	}

	var first, marked string
	for _, sec := range file.Sections() {
		name := sec.Name()
		switch {
		case strings.HasPrefix(name, "Install"):
			if p := sec.Key("Default").String(); p != "" {
				return filepath.Join(base, p), nil
			}
		case strings.HasPrefix(name, "Profile"):
			p := sec.Key("Path").String()
			if p == "" {
				continue
			}
			if first == "" {
				first = resolve(sec, p)
			}
			if sec.Key("Default").String() == "1" && marked == "" {
				marked = resolve(sec, p)
			}
		}
	}
	if marked != "" {
		return marked, nil
	}
	if first != "" {
		return first, nil
	}
	return "", fmt.Errorf("%s names no profiles", path)
}

// Confine resolves the path and verifies it lies inside one of the
// profile's mail roots. Out-of-bounds paths are rejected; this is the
// load-bearing check before any source-ref is re-read for raw bytes.
func (p *Profile) Confine(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	abs = filepath.Clean(abs)
	for _, root := range p.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the profile's mail directories", abs)
}

// Archive is one discovered mbox file addressed by its folder spec. The
// spec is always qualified: a profile usually has several server
// directories exposing the same folder names.
type Archive struct {
	Spec domain.FolderSpec
	Path string
}

// Archives walks the mail roots and returns every recognizable mbox file.
// A file counts as an archive when its name has no extension and either a
// sibling .msf index exists or the file is non-empty. Directory names with
// the .sbd suffix translate to folder hierarchy.
func (p *Profile) Archives() ([]Archive, error) {
	var archives []Archive
	for _, root := range p.roots {
		servers, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("read mail root %s: %w", root, err)
		}
		for _, server := range servers {
			if !server.IsDir() {
				continue
			}
			serverDir := filepath.Join(root, server.Name())
			err := filepath.WalkDir(serverDir, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() || !isArchive(path, d) {
					return nil
				}
				rel, err := filepath.Rel(serverDir, path)
				if err != nil {
					return err
				}
				archives = append(archives, Archive{
					Spec: domain.FolderSpec{Server: server.Name(), Folder: folderName(rel)},
					Path: path,
				})
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk server dir %s: %w", serverDir, err)
			}
		}
	}
	return archives, nil
}

func isArchive(path string, d fs.DirEntry) bool {
	if strings.Contains(d.Name(), ".") {
		return false
	}
	if _, err := os.Stat(path + ".msf"); err == nil {
		return true
	}
	info, err := d.Info()
	return err == nil && info.Size() > 0
}

// folderName turns "Archives.sbd/2023.sbd/Taxes" into "Archives/2023/Taxes".
func folderName(rel string) string {
	parts := strings.Split(rel, string(filepath.Separator))
	for i, part := range parts {
		parts[i] = strings.TrimSuffix(part, subfolderSuffix)
	}
	return strings.Join(parts, "/")
}
