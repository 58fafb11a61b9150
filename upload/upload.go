package upload

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-multierror"
	"github.com/mbolis/quick-intake/model"
	"github.com/pkg/errors"
)

var allowedExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"pdf": true, "doc": true, "docx": true, "txt": true,
	"zip": true, "mp4": true, "webm": true,
}

var allowedMimeTypes = []string{
	"image/jpeg", "image/png", "image/gif",
	"application/pdf", "application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain", "application/zip", "video/mp4", "video/webm",
}

// ValidationError marks user-correctable upload failures. Its message is safe
// to return to the client.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{fmt.Sprintf(format, args...)}
}

type Manager struct {
	dir string
}

func NewManager(dir string) *Manager {
	return &Manager{dir}
}

type pendingFile struct {
	field  string
	multi  bool
	header *multipart.FileHeader
	ext    string
	mime   string
}

// Handle validates every uploaded file and only then relocates them into
// storage under random names. Any invalid file fails the whole batch with
// zero files moved. The returned map holds a single model.FileMeta for plain
// fields and a []model.FileMeta for fields named with a "[]" suffix.
func (m *Manager) Handle(form *multipart.Form, perFileLimit, aggregateLimit int64) (map[string]any, error) {
	if form == nil || len(form.File) == 0 {
		return map[string]any{}, nil
	}

	var total int64
	var pending []pendingFile
	var invalid error

	for field, headers := range form.File {
		multi := strings.HasSuffix(field, "[]")
		for _, fh := range headers {
			// tolerate optional file inputs submitted empty
			if fh.Filename == "" && fh.Size == 0 {
				continue
			}
			total += fh.Size

			if fh.Size > perFileLimit {
				invalid = multierror.Append(invalid, validationErrorf(
					"File '%s' exceeds the limit of %dMB.", fh.Filename, perFileLimit/(1024*1024)))
				continue
			}

			ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fh.Filename), "."))
			if !allowedExtensions[ext] {
				invalid = multierror.Append(invalid, validationErrorf(
					"File extension '.%s' is not allowed.", ext))
				continue
			}

			mime, err := sniffMime(fh)
			if err != nil {
				return nil, errors.Wrap(err, "upload.sniff")
			}
			if !mimeAllowed(mime) {
				invalid = multierror.Append(invalid, validationErrorf(
					"File type '%s' is not allowed for file '%s'.", mime, fh.Filename))
				continue
			}

			pending = append(pending, pendingFile{field, multi, fh, ext, mime})
		}
	}

	if total > aggregateLimit {
		invalid = multierror.Append(invalid, validationErrorf(
			"Total upload size exceeds the global limit of %dMB.", aggregateLimit/(1024*1024)))
	}
	if invalid != nil {
		return nil, invalid
	}

	if len(pending) == 0 {
		return map[string]any{}, nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "upload.mkdir")
	}

	processed := map[string][]model.FileMeta{}
	multiFields := map[string]bool{}
	var moved []string

	for _, p := range pending {
		name := randomName() + "." + p.ext
		target := filepath.Join(m.dir, name)

		if err := m.saveFile(p.header, target); err != nil {
			for _, prev := range moved {
				os.Remove(prev)
			}
			return nil, errors.Wrapf(err, "upload.move %s", p.header.Filename)
		}
		moved = append(moved, target)

		field := strings.TrimSuffix(p.field, "[]")
		multiFields[field] = multiFields[field] || p.multi
		processed[field] = append(processed[field], model.FileMeta{
			Path:         path.Join(filepath.Base(m.dir), name),
			OriginalName: p.header.Filename,
			MimeType:     p.mime,
			Size:         p.header.Size,
		})
	}

	result := map[string]any{}
	for field, metas := range processed {
		if multiFields[field] || len(metas) > 1 {
			result[field] = metas
		} else {
			result[field] = metas[0]
		}
	}
	return result, nil
}

func (m *Manager) saveFile(fh *multipart.FileHeader, target string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	_, err = io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(target)
	}
	return err
}

func sniffMime(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return "", err
	}
	return mtype.String(), nil
}

func mimeAllowed(mime string) bool {
	// strip parameters like "; charset=utf-8"
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	for _, allowed := range allowedMimeTypes {
		if mime == allowed {
			return true
		}
	}
	return false
}

func randomName() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
