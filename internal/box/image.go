package box

import (
	"bytes"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/fileutil"
)

// imageFilePermissions is the mode of written image files.
const imageFilePermissions = 0644

var dataURLPattern = regexp.MustCompile(`^data:([A-Za-z0-9+/.-]+);base64,(.+)$`)

// ImageStore writes box images decoded from data URLs to a directory,
// one file per box.
type ImageStore struct {
	dir      string
	maxBytes int64
}

// NewImageStore creates a store writing into dir. Decoded images larger
// than maxBytes are rejected.
func NewImageStore(dir string, maxBytes int64) *ImageStore {
	return &ImageStore{dir: dir, maxBytes: maxBytes}
}

// FileName returns the image file name for a box.
func FileName(boxID string) string {
	return boxID + ".jpeg"
}

// Path returns the full image path for a box.
func (s *ImageStore) Path(boxID string) string {
	return filepath.Join(s.dir, FileName(boxID))
}

// Save decodes dataURL and writes it atomically. It returns the stored
// file name.
func (s *ImageStore) Save(boxID, dataURL string) (string, error) {
	staged, err := s.Stage(boxID, dataURL)
	if err != nil {
		return "", err
	}
	defer staged.Discard() //nolint:errcheck // no-op after commit
	if err := staged.Commit(); err != nil {
		return "", apperr.Wrap(apperr.OutputWrite, "box.save_image", err, "could not store image")
	}
	return FileName(boxID), nil
}

// Stage decodes dataURL and writes it beside the box's image file without
// replacing it. The caller commits once the box record is stored.
func (s *ImageStore) Stage(boxID, dataURL string) (*fileutil.Staged, error) {
	data, err := s.decode(dataURL)
	if err != nil {
		return nil, err
	}
	staged, err := fileutil.Stage(s.Path(boxID), imageFilePermissions)
	if err != nil {
		return nil, apperr.Wrap(apperr.OutputWrite, "box.stage_image", err, "could not store image")
	}
	if _, err := io.Copy(staged, bytes.NewReader(data)); err != nil {
		staged.Discard() //nolint:errcheck // already failing
		return nil, apperr.Wrap(apperr.OutputWrite, "box.stage_image", err, "could not store image")
	}
	return staged, nil
}

func (s *ImageStore) decode(dataURL string) ([]byte, error) {
	m := dataURLPattern.FindStringSubmatch(strings.TrimSpace(dataURL))
	if m == nil {
		return nil, apperr.Invalid(apperr.CodeInvalidImage, "image must be a base64 data URL")
	}
	if !strings.HasPrefix(m[1], "image/") {
		return nil, apperr.Invalid(apperr.CodeInvalidImage, "unsupported image type %q", m[1])
	}
	if limit := base64.StdEncoding.EncodedLen(int(s.maxBytes)); len(m[2]) > limit {
		return nil, apperr.Invalid(apperr.CodeInvalidImage, "image exceeds %d bytes", s.maxBytes)
	}
	data, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return nil, apperr.Invalid(apperr.CodeInvalidImage, "image payload is not valid base64")
	}
	if int64(len(data)) > s.maxBytes {
		return nil, apperr.Invalid(apperr.CodeInvalidImage, "image exceeds %d bytes", s.maxBytes)
	}
	return data, nil
}

// Remove deletes the box image if present.
func (s *ImageStore) Remove(boxID string) error {
	return fileutil.RemoveIfExists(s.Path(boxID))
}

// Exists reports whether an image is stored for the box.
func (s *ImageStore) Exists(boxID string) bool {
	_, err := os.Stat(s.Path(boxID))
	return err == nil
}
