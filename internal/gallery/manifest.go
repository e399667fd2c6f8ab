package gallery

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/kozaktomas/facegallery/internal/facerr"
	"github.com/kozaktomas/facegallery/internal/logging"
)

const (
	manifestName    = "manifest.json"
	manifestVersion = 1
)

type manifest struct {
	Version int              `json:"version"`
	LastSeq uint64           `json:"last_seq"`
	People  []manifestPerson `json:"people"`
	Images  []manifestImage  `json:"images"`
}

type manifestPerson struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type manifestImage struct {
	ID      string    `json:"id"`
	Slug    string    `json:"person"`
	File    string    `json:"file"` // relative to the user directory
	Seq     uint64    `json:"seq"`
	AddedAt time.Time `json:"added_at"`
}

func (m *manifest) nextSeq() uint64 {
	m.LastSeq++
	return m.LastSeq
}

func (m *manifest) findPerson(name string) *manifestPerson {
	want := NormalizePersonName(name)
	for i := range m.People {
		if NormalizePersonName(m.People[i].Name) == want {
			return &m.People[i]
		}
	}
	return nil
}

func (m *manifest) personName(slug string) string {
	for _, p := range m.People {
		if p.Slug == slug {
			return p.Name
		}
	}
	return slug
}

func (m *manifest) findImage(id string) *manifestImage {
	if i := m.imageIndex(id); i >= 0 {
		return &m.Images[i]
	}
	return nil
}

func (m *manifest) imageIndex(id string) int {
	return slices.IndexFunc(m.Images, func(img manifestImage) bool { return img.ID == id })
}

func (m *manifest) uniqueSlug(base string) string {
	taken := func(slug string) bool {
		return slices.ContainsFunc(m.People, func(p manifestPerson) bool { return p.Slug == slug })
	}
	slug := base
	for n := 2; taken(slug); n++ {
		slug = fmt.Sprintf("%s-%d", base, n)
	}
	return slug
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.dir, manifestName)
}

// loadLocked reads the manifest and reconciles it with the person folders,
// persisting the result when anything changed.
func (s *Store) loadLocked() (*manifest, error) {
	m := &manifest{Version: manifestVersion}

	data, err := os.ReadFile(s.manifestPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, facerr.GalleryIO("gallery.load_manifest", s.manifestPath(), err)
	default:
		if err := json.Unmarshal(data, m); err != nil {
			// An unreadable manifest is rebuilt from the folders; enrollment
			// order falls back to file modification time.
			logging.Warn().Err(err).Str("user", s.userID).Msg("gallery manifest unreadable, rebuilding from folders")
			m = &manifest{Version: manifestVersion}
		}
	}

	changed, err := s.reconcile(m)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.saveLocked(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (s *Store) saveLocked(m *manifest) error {
	m.Version = manifestVersion
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return facerr.GalleryIO("gallery.save_manifest", s.manifestPath(), err)
	}
	if err := renameio.WriteFile(s.manifestPath(), data, 0o640); err != nil {
		return facerr.GalleryIO("gallery.save_manifest", s.manifestPath(), err)
	}
	return nil
}

type foundFile struct {
	slug    string
	rel     string
	modTime time.Time
}

// reconcile brings m in line with the directory tree: folders become
// people, untracked files are enrolled in (mtime, name) order and entries
// whose file disappeared are dropped.
func (s *Store) reconcile(m *manifest) (bool, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return false, facerr.GalleryIO("gallery.scan", s.dir, err)
	}

	changed := false
	dirs := make(map[string]bool)
	var untracked []foundFile
	tracked := make(map[string]bool, len(m.Images))
	for _, img := range m.Images {
		tracked[img.File] = true
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		slug := e.Name()
		if !slices.ContainsFunc(m.People, func(p manifestPerson) bool { return p.Slug == slug }) {
			name := DisplayNameFromDir(slug)
			if _, err := cleanName(name); err != nil || m.findPerson(name) != nil {
				logging.Warn().Str("user", s.userID).Str("dir", slug).Msg("folder name is reserved or taken, skipping")
				continue
			}
			m.People = append(m.People, manifestPerson{Name: name, Slug: slug})
			changed = true
		}
		dirs[slug] = true

		files, err := os.ReadDir(filepath.Join(s.dir, slug))
		if err != nil {
			return false, facerr.GalleryIO("gallery.scan", slug, err)
		}
		for _, f := range files {
			if f.IsDir() || !IsSupportedFile(f.Name()) {
				continue
			}
			rel := filepath.Join(slug, f.Name())
			if tracked[rel] {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			untracked = append(untracked, foundFile{slug: slug, rel: rel, modTime: info.ModTime()})
		}
	}

	before := len(m.People)
	m.People = slices.DeleteFunc(m.People, func(p manifestPerson) bool { return !dirs[p.Slug] })
	changed = changed || len(m.People) != before

	before = len(m.Images)
	m.Images = slices.DeleteFunc(m.Images, func(img manifestImage) bool {
		_, err := os.Stat(filepath.Join(s.dir, img.File))
		return err != nil || !dirs[img.Slug]
	})
	if len(m.Images) != before {
		logging.Info().Str("user", s.userID).Int("dropped", before-len(m.Images)).Msg("gallery images vanished from disk")
		changed = true
	}

	slices.SortFunc(untracked, func(a, b foundFile) int {
		return cmp.Or(a.modTime.Compare(b.modTime), strings.Compare(a.rel, b.rel))
	})
	for _, f := range untracked {
		m.Images = append(m.Images, manifestImage{
			ID:      uuid.NewString(),
			Slug:    f.slug,
			File:    f.rel,
			Seq:     m.nextSeq(),
			AddedAt: s.now().UTC(),
		})
		changed = true
	}
	if len(untracked) > 0 {
		logging.Info().Str("user", s.userID).Int("adopted", len(untracked)).Msg("adopted untracked gallery images")
	}

	slices.SortFunc(m.Images, func(a, b manifestImage) int { return cmp.Compare(a.Seq, b.Seq) })
	return changed, nil
}
