package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/openmark/coordinator/internal/catalog"
	"github.com/openmark/coordinator/internal/store"
)

func (s *Server) handleMaxMark(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		Question int `json:"question"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	max, ok := s.spec.MaxMark(req.Question)
	if !ok {
		s.fail(w, r, catalog.E(catalog.KindOutOfRange, "question %d out of range", req.Question))
		return
	}
	s.writeJSON(w, max)
}

func (s *Server) handleMarkProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		Question int `json:"question"`
		Version  int `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.spec.ValidQuestion(req.Question) || !s.spec.ValidVersion(req.Version) {
		s.fail(w, r, catalog.E(catalog.KindOutOfRange,
			"question %d version %d out of range", req.Question, req.Version))
		return
	}
	done, total, err := s.prog.MarkProgress(req.Question, req.Version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, []int{done, total})
}

func (s *Server) handleMarkComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		Question int `json:"question"`
		Version  int `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	done, err := s.marks.ListDone(req.User, req.Question, req.Version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, done)
}

// handleMarkAvailable claims the oldest waiting task for one
// (question, version) and answers with its code; the client collects
// the page bundle with a follow-up request.
func (s *Server) handleMarkAvailable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		Question int `json:"question"`
		Version  int `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	claim, err := s.marks.ClaimNext(req.User, req.Question, req.Version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.ClaimsTotal.WithLabelValues("mark").Inc()
	s.writeJSON(w, map[string]string{"code": claim.Code})
}

// handleMarkBundle serves everything a marker needs for a task already
// out with them: tags, the integrity check, the page artifact ids, the
// page images, and any prior annotated image and record from before an
// administrative reset.
func (s *Server) handleMarkBundle(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	claim, err := s.marks.Bundle(req.User, mux.Vars(r)["code"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	parts, err := s.markParts(claim.Tags, claim.Integrity, claim.PageIDs, claim.AnnotatedID, claim.RecordID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeBundle(w, parts)
}

// handleMarkImages re-serves the bundle of a claimed or completed task.
// The caller supplies the integrity check they hold; a stale one is
// refused so the client knows to abandon and re-claim.
func (s *Server) handleMarkImages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		Integrity string `json:"integrity_check"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	arts, err := s.marks.Images(req.User, mux.Vars(r)["code"], req.Integrity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	parts, err := s.markParts("", req.Integrity, arts.PageIDs, arts.AnnotatedID, arts.RecordID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeBundle(w, parts)
}

func (s *Server) markParts(tags, integrity string, pageIDs []string, annotatedID, recordID string) ([]part, error) {
	ids, err := json.Marshal(pageIDs)
	if err != nil {
		return nil, err
	}
	parts := []part{
		field("tags", tags),
		field("integrity", integrity),
		field("image_ids", string(ids)),
	}
	for _, id := range pageIDs {
		data, err := s.fetch(store.KindPage, id)
		if err != nil {
			return nil, err
		}
		parts = append(parts, file("image", data))
	}
	if annotatedID != "" {
		data, err := s.fetch(store.KindAnnotated, annotatedID)
		if err != nil {
			return nil, err
		}
		parts = append(parts, file("annotated", data))
	}
	if recordID != "" {
		data, err := s.fetch(store.KindRecord, recordID)
		if err != nil {
			return nil, err
		}
		parts = append(parts, file("record", data))
	}
	return parts, nil
}

// handleMarkReturn accepts a finished task: a param field carrying the
// credentials and scoring metadata, the annotated image, and the
// machine-readable annotation record.
func (s *Server) handleMarkReturn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.fail(w, r, catalog.E(catalog.KindBadRequest, "malformed upload: %v", err))
		return
	}
	var p struct {
		authed
		Score           int      `json:"score"`
		MarkingTime     int      `json:"mtime"`
		Tags            string   `json:"tags"`
		Version         int      `json:"version"`
		AnnotatedDigest string   `json:"annotated_digest"`
		ImageDigests    []string `json:"image_digests"`
		Integrity       string   `json:"integrity_check"`
	}
	if err := json.Unmarshal([]byte(r.FormValue("param")), &p); err != nil {
		s.fail(w, r, catalog.E(catalog.KindBadRequest, "malformed param field: %v", err))
		return
	}
	if err := s.checkToken(p); err != nil {
		s.fail(w, r, err)
		return
	}

	annotated, err := formFile(r, "annotated")
	if err != nil {
		s.fail(w, r, catalog.E(catalog.KindBadRequest, "missing annotated image: %v", err))
		return
	}
	record, err := formFile(r, "record")
	if err != nil {
		s.fail(w, r, catalog.E(catalog.KindBadRequest, "missing annotation record: %v", err))
		return
	}
	// The digest the client computed must match what actually arrived.
	if store.Hash(annotated) != p.AnnotatedDigest {
		s.fail(w, r, catalog.E(catalog.KindBadRequest, "annotated image digest does not match upload"))
		return
	}

	annID, err := s.store.Put(store.KindAnnotated, annotated)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recID, err := s.store.Put(store.KindRecord, record)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.ArtifactBytes.WithLabelValues("write").Add(float64(len(annotated) + len(record)))

	code := mux.Vars(r)["code"]
	err = s.marks.Return(p.User, code, catalog.MarkReturn{
		Score:        p.Score,
		MarkingTime:  p.MarkingTime,
		Tags:         p.Tags,
		AnnotatedID:  annID,
		RecordID:     recID,
		ImageDigests: p.ImageDigests,
		Integrity:    p.Integrity,
	})
	if err != nil {
		s.metrics.ReturnsTotal.WithLabelValues("mark", "rejected").Inc()
		s.fail(w, r, err)
		return
	}
	s.metrics.ReturnsTotal.WithLabelValues("mark", "done").Inc()

	_, question, err := catalog.ParseMarkTaskCode(code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	done, total, err := s.prog.MarkProgress(question, p.Version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, []int{done, total})
}

func (s *Server) handleMarkAbandon(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.marks.Abandon(req.User, mux.Vars(r)["code"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSetTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		authed
		Tags string `json:"tags"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.marks.SetTags(req.User, mux.Vars(r)["code"], req.Tags); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleWholePaper serves every ingested page of one paper in page
// order, for the marker who wants surrounding context.
func (s *Server) handleWholePaper(w http.ResponseWriter, r *http.Request) {
	var req authed
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkToken(req); err != nil {
		s.fail(w, r, err)
		return
	}
	paper, err := strconv.Atoi(mux.Vars(r)["paper"])
	if err != nil {
		s.fail(w, r, catalog.E(catalog.KindBadRequest, "malformed paper number %q", mux.Vars(r)["paper"]))
		return
	}
	pages, err := s.cat.WholePaper(paper)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	meta, err := json.Marshal(pages)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	parts := []part{field("pages", string(meta))}
	for _, pg := range pages {
		data, err := s.fetch(store.KindPage, pg.ArtifactID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		parts = append(parts, file("image", data))
	}
	s.writeBundle(w, parts)
}
