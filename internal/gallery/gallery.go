// Package gallery stores each user's reference images on disk, grouped by
// person.
//
// Layout under the gallery root:
//
//	<root>/<user id>/manifest.json
//	<root>/<user id>/<person slug>/<image id><ext>
//
// The manifest holds display names and the enrollment sequence; image bytes
// live in the person folders. Both are written with temp+fsync+rename so a
// crash never leaves a half-written file under a real name. Files dropped
// into a person folder by hand are adopted on the next listing.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/kozaktomas/facegallery/internal/facerr"
)

var (
	ErrPersonNotFound   = errors.New("person not found")
	ErrPersonExists     = errors.New("person already exists")
	ErrImageNotFound    = errors.New("image not found")
	ErrUnsupportedImage = errors.New("unsupported image")
	ErrInvalidName      = errors.New("invalid person name")
	ErrInvalidUser      = errors.New("invalid user id")
)

const maxPersonNameLen = 100

// ImageRecord is one reference image.
type ImageRecord struct {
	ID      string    `json:"id"`
	Person  string    `json:"person"`
	Path    string    `json:"-"`
	Seq     uint64    `json:"seq"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	AddedAt time.Time `json:"added_at"`
}

// Person is a named identity and its reference images in enrollment order.
type Person struct {
	Name   string        `json:"name"`
	Slug   string        `json:"slug"`
	Images []ImageRecord `json:"images"`
}

// Store is one user's gallery. Methods are safe for concurrent use.
type Store struct {
	userID string
	dir    string

	mu  sync.Mutex
	now func() time.Time
}

// Open returns the gallery for userID under root, creating its directory.
func Open(root, userID string) (*Store, error) {
	if userID == "" || userID == "." || userID == ".." || strings.ContainsAny(userID, `/\`) {
		return nil, facerr.GalleryIO("gallery.open", userID, ErrInvalidUser)
	}
	dir := filepath.Join(root, userID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, facerr.GalleryIO("gallery.open", dir, err)
	}
	return &Store{userID: userID, dir: dir, now: time.Now}, nil
}

// UserID returns the owner of this gallery.
func (s *Store) UserID() string { return s.userID }

// Dir returns the user's gallery directory.
func (s *Store) Dir() string { return s.dir }

// ListPeople returns every person sorted by name, each with their images
// in enrollment order.
func (s *Store) ListPeople(ctx context.Context) ([]Person, error) {
	m, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	people := make([]Person, 0, len(m.People))
	for _, p := range m.People {
		people = append(people, Person{Name: p.Name, Slug: p.Slug, Images: s.imagesOf(m, p.Slug)})
	}
	slices.SortFunc(people, func(a, b Person) int {
		return strings.Compare(NormalizePersonName(a.Name), NormalizePersonName(b.Name))
	})
	return people, nil
}

// ImagesOf returns the images of one person in enrollment order.
func (s *Store) ImagesOf(ctx context.Context, person string) ([]ImageRecord, error) {
	m, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	p := m.findPerson(person)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPersonNotFound, person)
	}
	return s.imagesOf(m, p.Slug), nil
}

// Images returns every image of the gallery in enrollment order.
func (s *Store) Images(ctx context.Context) ([]ImageRecord, error) {
	m, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ImageRecord, 0, len(m.Images))
	for _, img := range m.Images {
		out = append(out, s.record(m, img))
	}
	return out, nil
}

// Image returns a single image by id.
func (s *Store) Image(ctx context.Context, imageID string) (ImageRecord, error) {
	m, err := s.snapshot(ctx)
	if err != nil {
		return ImageRecord{}, err
	}
	img := m.findImage(imageID)
	if img == nil {
		return ImageRecord{}, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	return s.record(m, *img), nil
}

// Open opens an image for reading.
func (s *Store) Open(rec ImageRecord) (io.ReadCloser, error) {
	f, err := os.Open(rec.Path)
	if err != nil {
		return nil, facerr.GalleryIO("gallery.open_image", rec.ID, err)
	}
	return f, nil
}

// ReadImage returns the bytes of an image.
func (s *Store) ReadImage(rec ImageRecord) ([]byte, error) {
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return nil, facerr.GalleryIO("gallery.read_image", rec.ID, err)
	}
	return data, nil
}

// AddPerson creates an empty person.
func (s *Store) AddPerson(ctx context.Context, name string) (Person, error) {
	if err := ctx.Err(); err != nil {
		return Person{}, err
	}
	name, err := cleanName(name)
	if err != nil {
		return Person{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return Person{}, err
	}
	if m.findPerson(name) != nil {
		return Person{}, fmt.Errorf("%w: %s", ErrPersonExists, name)
	}
	p, err := s.createPersonLocked(m, name)
	if err != nil {
		return Person{}, err
	}
	if err := s.saveLocked(m); err != nil {
		return Person{}, err
	}
	return Person{Name: p.Name, Slug: p.Slug, Images: []ImageRecord{}}, nil
}

// AddImage stores blob as a new reference image of person, creating the
// person if needed. The blob is durable before the manifest references it.
func (s *Store) AddImage(ctx context.Context, person string, blob []byte) (ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return ImageRecord{}, err
	}
	person, err := cleanName(person)
	if err != nil {
		return ImageRecord{}, err
	}
	ext, err := sniffImage(blob)
	if err != nil {
		return ImageRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return ImageRecord{}, err
	}
	p := m.findPerson(person)
	if p == nil {
		if p, err = s.createPersonLocked(m, person); err != nil {
			return ImageRecord{}, err
		}
	}

	id := uuid.NewString()
	rel := filepath.Join(p.Slug, id+ext)
	abs := filepath.Join(s.dir, rel)
	if err := renameio.WriteFile(abs, blob, 0o640); err != nil {
		return ImageRecord{}, facerr.GalleryIO("gallery.add_image", abs, err)
	}

	img := manifestImage{ID: id, Slug: p.Slug, File: rel, Seq: m.nextSeq(), AddedAt: s.now().UTC()}
	m.Images = append(m.Images, img)
	if err := s.saveLocked(m); err != nil {
		_ = os.Remove(abs)
		return ImageRecord{}, err
	}
	return s.record(m, img), nil
}

// RemoveImage deletes an image.
func (s *Store) RemoveImage(ctx context.Context, imageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return err
	}
	idx := m.imageIndex(imageID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	img := m.Images[idx]
	m.Images = slices.Delete(m.Images, idx, idx+1)

	// Manifest first: a crash in between leaves an orphan file that the next
	// listing adopts again rather than a manifest entry without a file.
	if err := s.saveLocked(m); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, img.File)); err != nil && !os.IsNotExist(err) {
		return facerr.GalleryIO("gallery.remove_image", imageID, err)
	}
	return nil
}

// RemovePerson deletes a person and all of their images.
func (s *Store) RemovePerson(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return err
	}
	p := m.findPerson(name)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrPersonNotFound, name)
	}
	slug := p.Slug
	m.People = slices.DeleteFunc(m.People, func(mp manifestPerson) bool { return mp.Slug == slug })
	m.Images = slices.DeleteFunc(m.Images, func(mi manifestImage) bool { return mi.Slug == slug })
	if err := s.saveLocked(m); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.dir, slug)); err != nil {
		return facerr.GalleryIO("gallery.remove_person", slug, err)
	}
	return nil
}

// MoveImage reassigns an image to another person, creating that person if
// needed. The image keeps its id, content and enrollment sequence.
func (s *Store) MoveImage(ctx context.Context, imageID, person string) (ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return ImageRecord{}, err
	}
	person, err := cleanName(person)
	if err != nil {
		return ImageRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return ImageRecord{}, err
	}
	idx := m.imageIndex(imageID)
	if idx < 0 {
		return ImageRecord{}, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	p := m.findPerson(person)
	if p == nil {
		if p, err = s.createPersonLocked(m, person); err != nil {
			return ImageRecord{}, err
		}
	}
	img := m.Images[idx]
	if img.Slug == p.Slug {
		return s.record(m, img), nil
	}

	oldAbs := filepath.Join(s.dir, img.File)
	newRel := filepath.Join(p.Slug, filepath.Base(img.File))
	newAbs := filepath.Join(s.dir, newRel)
	if err := os.Rename(oldAbs, newAbs); err != nil {
		return ImageRecord{}, facerr.GalleryIO("gallery.move_image", imageID, err)
	}
	img.Slug = p.Slug
	img.File = newRel
	m.Images[idx] = img
	if err := s.saveLocked(m); err != nil {
		_ = os.Rename(newAbs, oldAbs)
		return ImageRecord{}, err
	}
	return s.record(m, img), nil
}

// snapshot reconciles the manifest with the disk and returns it.
func (s *Store) snapshot(ctx context.Context) (*manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) createPersonLocked(m *manifest, name string) (*manifestPerson, error) {
	slug := m.uniqueSlug(Slugify(name))
	if err := os.MkdirAll(filepath.Join(s.dir, slug), 0o750); err != nil {
		return nil, facerr.GalleryIO("gallery.add_person", slug, err)
	}
	m.People = append(m.People, manifestPerson{Name: name, Slug: slug})
	return &m.People[len(m.People)-1], nil
}

func (s *Store) imagesOf(m *manifest, slug string) []ImageRecord {
	out := []ImageRecord{}
	for _, img := range m.Images {
		if img.Slug == slug {
			out = append(out, s.record(m, img))
		}
	}
	return out
}

// record converts a manifest entry, filling in size and mtime from disk.
func (s *Store) record(m *manifest, img manifestImage) ImageRecord {
	rec := ImageRecord{
		ID:      img.ID,
		Person:  m.personName(img.Slug),
		Path:    filepath.Join(s.dir, img.File),
		Seq:     img.Seq,
		AddedAt: img.AddedAt,
	}
	if fi, err := os.Stat(rec.Path); err == nil {
		rec.Size = fi.Size()
		rec.ModTime = fi.ModTime()
	}
	return rec
}

func cleanName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" || len(name) > maxPersonNameLen || NormalizePersonName(name) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.EqualFold(name, "unknown") {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return name, nil
}
