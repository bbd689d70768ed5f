package server

import (
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/MrWong99/meetflow/internal/observe"
)

type uploadResponse struct {
	AudioRef string `json:"audio_ref"`
	Bytes    int64  `json:"bytes"`
}

// handleUpload stores the request body as a new recording in the upload
// directory. The returned audio_ref is passed in later turn inputs.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	root, err := os.OpenRoot(s.cfg.UploadDir)
	if err != nil {
		log.Error("open upload dir", "dir", s.cfg.UploadDir, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "upload storage unavailable"})
		return
	}
	defer root.Close()

	ref := uuid.NewString() + ".wav"
	f, err := root.Create(ref)
	if err != nil {
		log.Error("create recording", "ref", ref, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "upload storage unavailable"})
		return
	}

	n, err := io.Copy(f, http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = errEmptyUpload
	}
	if err != nil {
		_ = root.Remove(ref)
		status := http.StatusInternalServerError
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			status = http.StatusRequestEntityTooLarge
		case errors.Is(err, errEmptyUpload):
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}

	log.Info("recording uploaded", "ref", ref, "bytes", n)
	writeJSON(w, http.StatusCreated, uploadResponse{AudioRef: ref, Bytes: n})
}

var errEmptyUpload = errors.New("empty recording")
