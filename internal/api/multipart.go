package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/openmark/coordinator/internal/store"
)

// maxUploadBytes bounds a multipart upload held in memory before the
// remainder spills to disk.
const maxUploadBytes = 32 << 20

// part is one element of a multipart response. Clients consume parts by
// position, so builders must append in the documented order.
type part struct {
	name string
	data []byte
	file bool
}

func field(name, value string) part { return part{name: name, data: []byte(value)} }
func file(name string, data []byte) part {
	return part{name: name, data: data, file: true}
}

// fetch reads an artifact the catalog just vouched for. A miss here
// means the store and catalog disagree, which is a server fault, not a
// client one.
func (s *Server) fetch(kind store.Kind, id string) ([]byte, error) {
	data, err := s.store.Get(kind, id)
	if err != nil {
		return nil, fmt.Errorf("artifact %s/%s referenced by catalog: %w", kind, id, err)
	}
	s.metrics.ArtifactBytes.WithLabelValues("read").Add(float64(len(data)))
	return data, nil
}

// writeBundle streams parts as a multipart/form-data body. All artifact
// bytes must already be in hand; nothing may fail after the first byte
// of the response is written.
func (s *Server) writeBundle(w http.ResponseWriter, parts []part) {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", mw.FormDataContentType())
	for _, p := range parts {
		var (
			pw  io.Writer
			err error
		)
		if p.file {
			pw, err = mw.CreateFormFile(p.name, p.name)
		} else {
			pw, err = mw.CreateFormField(p.name)
		}
		if err == nil {
			_, err = pw.Write(p.data)
		}
		if err != nil {
			s.log.WithError(err).Warn("writing multipart response")
			return
		}
	}
	if err := mw.Close(); err != nil {
		s.log.WithError(err).Warn("closing multipart response")
	}
}

// formFile reads one named file out of a parsed multipart form.
func formFile(r *http.Request, name string) ([]byte, error) {
	f, _, err := r.FormFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
