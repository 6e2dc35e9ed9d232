package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bizpilot/bizpilot/internal/analytics"
	"github.com/bizpilot/bizpilot/internal/auth"
	"github.com/bizpilot/bizpilot/internal/dataset"
)

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	files, err := s.files.List(r.Context(), user.ID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"files": files}, s.logger)
}

// UploadResponse reports a stored dataset along with a parse preview,
// so the client can immediately show what was understood.
type UploadResponse struct {
	Filename         string   `json:"filename"`
	OriginalFilename string   `json:"original_filename"`
	Rows             int      `json:"rows"`
	Columns          []string `json:"columns"`
	Message          string   `json:"message"`
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "file exceeds the upload size limit")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, `multipart field "file" is required`)
		return
	}
	defer file.Close()

	stored, err := s.files.Save(r.Context(), user.ID, header.Filename, file)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	// Parse what was just stored. Files the dataset layer cannot read
	// are useless to every capability, so reject and remove them now.
	table, err := s.parseStored(r, user.ID, stored)
	if err != nil {
		if delErr := s.files.Delete(r.Context(), user.ID, stored); delErr != nil {
			s.logger.Warn("failed to remove unparseable upload", "filename", stored, "error", delErr)
		}
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("could not parse %s: %v", header.Filename, err))
		return
	}

	s.registry.InvalidateFileList(r.Context(), user.ID)
	s.logger.Info("dataset uploaded",
		"user_id", user.ID,
		"filename", stored,
		"rows", len(table.Rows),
	)

	writeJSON(w, UploadResponse{
		Filename:         stored,
		OriginalFilename: header.Filename,
		Rows:             len(table.Rows),
		Columns:          table.Headers,
		Message:          "File uploaded successfully",
	}, s.logger)
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	filename := r.PathValue("filename")

	if err := s.files.Delete(r.Context(), user.ID, filename); err != nil {
		s.serviceError(w, err)
		return
	}

	// Derived results die with the file, before the client hears back.
	s.registry.InvalidateFile(r.Context(), user.ID, filename)

	writeJSON(w, map[string]string{
		"message":  "File deleted successfully",
		"filename": filename,
	}, s.logger)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	filename := r.PathValue("filename")

	table, err := s.parseStored(r, user.ID, filename)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, analytics.Summarize(table), s.logger)
}

func (s *Server) parseStored(r *http.Request, userID, filename string) (*dataset.Table, error) {
	f, err := s.files.Open(r.Context(), userID, filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return dataset.Parse(filename, f)
}
