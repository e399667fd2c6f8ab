package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/gallery"
	"github.com/kozaktomas/facegallery/internal/logging"
	"github.com/kozaktomas/facegallery/internal/workspace"
)

// GalleryHandler handles people and reference image endpoints. Mutations
// change the gallery only; the cache catches up on the next rebuild.
type GalleryHandler struct {
	workspaces workspace.Opener
	maxUpload  int64
}

// NewGalleryHandler creates a new gallery handler. maxUpload caps a single
// image in bytes.
func NewGalleryHandler(workspaces workspace.Opener, maxUpload int64) *GalleryHandler {
	if maxUpload <= 0 {
		maxUpload = constants.DefaultMaxUploadMB << 20
	}
	return &GalleryHandler{workspaces: workspaces, maxUpload: maxUpload}
}

func (h *GalleryHandler) gallery(w http.ResponseWriter, r *http.Request) *gallery.Store {
	ws, err := h.workspaces.Get(r.Context(), userID(r))
	if err != nil {
		respondDomainError(w, r, "open gallery", err)
		return nil
	}
	return ws.Gallery
}

// ListPeople returns every person with their reference images
func (h *GalleryHandler) ListPeople(w http.ResponseWriter, r *http.Request) {
	g := h.gallery(w, r)
	if g == nil {
		return
	}
	people, err := g.ListPeople(r.Context())
	if err != nil {
		respondDomainError(w, r, "list people", err)
		return
	}
	if people == nil {
		people = []gallery.Person{}
	}
	respondJSON(w, http.StatusOK, people)
}

type personRequest struct {
	Name string `json:"name"`
}

// CreatePerson adds an empty person
func (h *GalleryHandler) CreatePerson(w http.ResponseWriter, r *http.Request) {
	var req personRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	g := h.gallery(w, r)
	if g == nil {
		return
	}
	person, err := g.AddPerson(r.Context(), req.Name)
	if err != nil {
		respondDomainError(w, r, "add person", err)
		return
	}
	respondJSON(w, http.StatusCreated, person)
}

// DeletePerson removes a person and all their images
func (h *GalleryHandler) DeletePerson(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	g := h.gallery(w, r)
	if g == nil {
		return
	}
	if err := g.RemovePerson(r.Context(), name); err != nil {
		respondDomainError(w, r, "remove person", err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("user", userID(r)).Str("person", sanitizeForLog(name)).Msg("person removed")
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ListImages returns a person's images in enrollment order
func (h *GalleryHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	g := h.gallery(w, r)
	if g == nil {
		return
	}
	images, err := g.ImagesOf(r.Context(), name)
	if err != nil {
		respondDomainError(w, r, "list images", err)
		return
	}
	if images == nil {
		images = []gallery.ImageRecord{}
	}
	respondJSON(w, http.StatusOK, images)
}

// UploadResponse reports a multi-file upload.
type UploadResponse struct {
	Uploaded []gallery.ImageRecord `json:"uploaded"`
	Errors   []string              `json:"errors,omitempty"`
}

// readUpload reads one multipart file, refusing files above limit.
func readUpload(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	if fh.Size > limit {
		return nil, fmt.Errorf("%s: file exceeds %d bytes", fh.Filename, limit)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %s", fh.Filename)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %s", fh.Filename)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s: file exceeds %d bytes", fh.Filename, limit)
	}
	return data, nil
}

// UploadImages enrolls the multipart "files" as reference images of a person,
// creating the person when needed. Each file succeeds or fails on its own.
func (h *GalleryHandler) UploadImages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := r.ParseMultipartForm(constants.MultipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no files provided")
		return
	}

	g := h.gallery(w, r)
	if g == nil {
		return
	}

	resp := UploadResponse{Uploaded: []gallery.ImageRecord{}}
	for _, fh := range files {
		data, err := readUpload(fh, h.maxUpload)
		if err != nil {
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		rec, err := g.AddImage(r.Context(), name, data)
		if err != nil {
			if statusFor(err) >= http.StatusInternalServerError {
				respondDomainError(w, r, "add image", err)
				return
			}
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", fh.Filename, err))
			continue
		}
		resp.Uploaded = append(resp.Uploaded, rec)
	}

	status := http.StatusCreated
	if len(resp.Uploaded) == 0 {
		status = http.StatusBadRequest
	}
	logging.Ctx(r.Context()).Info().Str("user", userID(r)).Str("person", sanitizeForLog(name)).
		Int("uploaded", len(resp.Uploaded)).Int("rejected", len(resp.Errors)).Msg("reference images uploaded")
	respondJSON(w, status, resp)
}

// GetImage returns image metadata
func (h *GalleryHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	g := h.gallery(w, r)
	if g == nil {
		return
	}
	rec, err := g.Image(r.Context(), chi.URLParam(r, "imageId"))
	if err != nil {
		respondDomainError(w, r, "get image", err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ImageFile streams the stored image bytes
func (h *GalleryHandler) ImageFile(w http.ResponseWriter, r *http.Request) {
	g := h.gallery(w, r)
	if g == nil {
		return
	}
	rec, err := g.Image(r.Context(), chi.URLParam(r, "imageId"))
	if err != nil {
		respondDomainError(w, r, "get image", err)
		return
	}
	data, err := g.ReadImage(rec)
	if err != nil {
		respondDomainError(w, r, "read image", err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// DeleteImage removes a reference image
func (h *GalleryHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	g := h.gallery(w, r)
	if g == nil {
		return
	}
	if err := g.RemoveImage(r.Context(), chi.URLParam(r, "imageId")); err != nil {
		respondDomainError(w, r, "remove image", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type moveRequest struct {
	Person string `json:"person"`
}

// MoveImage reassigns a reference image to another person
func (h *GalleryHandler) MoveImage(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	g := h.gallery(w, r)
	if g == nil {
		return
	}
	rec, err := g.MoveImage(r.Context(), chi.URLParam(r, "imageId"), req.Person)
	if err != nil {
		respondDomainError(w, r, "move image", err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
