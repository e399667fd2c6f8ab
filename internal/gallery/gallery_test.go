package gallery

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := range 4 {
		for y := range 4 {
			img.Set(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "user-1")
	require.NoError(t, err)
	return s
}

func TestOpen_RejectsPathLikeUser(t *testing.T) {
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := Open(t.TempDir(), id)
		assert.ErrorIs(t, err, ErrInvalidUser, id)
	}
}

func TestAddImage_EnrollmentOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a, err := s.AddImage(ctx, "Alice", pngBytes(t, 10))
	require.NoError(t, err)
	b, err := s.AddImage(ctx, "Bob", pngBytes(t, 20))
	require.NoError(t, err)
	c, err := s.AddImage(ctx, "alice", pngBytes(t, 30))
	require.NoError(t, err)

	assert.Less(t, a.Seq, b.Seq)
	assert.Less(t, b.Seq, c.Seq)
	assert.Equal(t, "Alice", c.Person, "person lookup is case-insensitive")
	assert.Equal(t, ".png", filepath.Ext(a.Path))

	images, err := s.Images(ctx)
	require.NoError(t, err)
	require.Len(t, images, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{images[0].ID, images[1].ID, images[2].ID})

	alice, err := s.ImagesOf(ctx, "ALICE")
	require.NoError(t, err)
	assert.Len(t, alice, 2)
}

func TestAddImage_RejectsNonImage(t *testing.T) {
	s := newStore(t)
	_, err := s.AddImage(context.Background(), "Alice", []byte("not an image at all"))
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestAddImage_RejectsReservedName(t *testing.T) {
	s := newStore(t)
	_, err := s.AddImage(context.Background(), "Unknown", pngBytes(t, 1))
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestAddPerson_DuplicateNormalized(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.AddPerson(ctx, "Jiří Novák")
	require.NoError(t, err)
	_, err = s.AddPerson(ctx, "jiri-novak")
	assert.ErrorIs(t, err, ErrPersonExists)

	people, err := s.ListPeople(ctx)
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "jiri-novak", people[0].Slug)
	assert.Empty(t, people[0].Images)
}

func TestRemoveImage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a, err := s.AddImage(ctx, "Alice", pngBytes(t, 1))
	require.NoError(t, err)
	b, err := s.AddImage(ctx, "Alice", pngBytes(t, 2))
	require.NoError(t, err)

	require.NoError(t, s.RemoveImage(ctx, a.ID))
	_, err = os.Stat(a.Path)
	assert.True(t, os.IsNotExist(err))

	images, err := s.Images(ctx)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, b.ID, images[0].ID)

	assert.ErrorIs(t, s.RemoveImage(ctx, a.ID), ErrImageNotFound)
}

func TestMoveImage_KeepsIDAndSeq(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a, err := s.AddImage(ctx, "Alice", pngBytes(t, 1))
	require.NoError(t, err)

	moved, err := s.MoveImage(ctx, a.ID, "Carol")
	require.NoError(t, err)
	assert.Equal(t, a.ID, moved.ID)
	assert.Equal(t, a.Seq, moved.Seq)
	assert.Equal(t, "Carol", moved.Person)
	assert.FileExists(t, moved.Path)
	assert.NoFileExists(t, a.Path)

	alice, err := s.ImagesOf(ctx, "Alice")
	require.NoError(t, err)
	assert.Empty(t, alice)
}

func TestRemovePerson(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.AddImage(ctx, "Alice", pngBytes(t, 1))
	require.NoError(t, err)
	_, err = s.AddImage(ctx, "Bob", pngBytes(t, 2))
	require.NoError(t, err)

	require.NoError(t, s.RemovePerson(ctx, "alice"))
	people, err := s.ListPeople(ctx)
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "Bob", people[0].Name)

	assert.ErrorIs(t, s.RemovePerson(ctx, "alice"), ErrPersonNotFound)
}

func TestReconcile_AdoptsDroppedInFiles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	dir := filepath.Join(s.Dir(), "jan_novak")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	older := filepath.Join(dir, "b.png")
	newer := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(older, pngBytes(t, 1), 0o640))
	require.NoError(t, os.WriteFile(newer, pngBytes(t, 2), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".a.png12345"), []byte("partial"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o640))
	now := time.Now()
	require.NoError(t, os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, os.Chtimes(newer, now, now))

	people, err := s.ListPeople(ctx)
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "Jan Novak", people[0].Name)
	require.Len(t, people[0].Images, 2)
	assert.Equal(t, older, people[0].Images[0].Path, "older file enrolls first")
	assert.Equal(t, newer, people[0].Images[1].Path)

	// Adoption is stable across listings.
	again, err := s.Images(ctx)
	require.NoError(t, err)
	assert.Equal(t, people[0].Images[0].ID, again[0].ID)
}

func TestReconcile_DropsVanishedFiles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a, err := s.AddImage(ctx, "Alice", pngBytes(t, 1))
	require.NoError(t, err)
	require.NoError(t, os.Remove(a.Path))

	images, err := s.Images(ctx)
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestReconcile_CorruptManifestRebuilt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.AddImage(ctx, "Alice", pngBytes(t, 1))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), manifestName), []byte("{garbage"), 0o640))

	images, err := s.Images(ctx)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "Alice", images[0].Person)
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Jiří Novák":     "jiri-novak",
		"  Anna  Marie ": "anna-marie",
		"O'Brien":        "o-brien",
		"李":              "person",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestDisplayNameFromDir(t *testing.T) {
	assert.Equal(t, "Jan Novak", DisplayNameFromDir("jan_novak"))
	assert.Equal(t, "Anna Marie", DisplayNameFromDir("anna-marie"))
}

func TestIsSupportedFile(t *testing.T) {
	assert.True(t, IsSupportedFile("x.JPG"))
	assert.True(t, IsSupportedFile("dir/x.webp"))
	assert.False(t, IsSupportedFile(".x.jpg"))
	assert.False(t, IsSupportedFile("x.txt"))
}
