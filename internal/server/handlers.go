package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"media-transcribe-go/internal/pipeline"
	"media-transcribe-go/internal/types"
)

const (
	uploadField     = "video"
	maxJSONBodySize = 1 << 20
)

var safeExt = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)

// handleUpload streams the "video" part straight into the run namespace and
// transcribes it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		return
	}
	log := entryFrom(r)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		log.WithField("error", err.Error()).Warn("upload is not multipart")
		writeJSONError(w, http.StatusBadRequest, types.ErrorResponse{Error: "No video file uploaded.", Kind: string(pipeline.KindInvalidInput)})
		return
	}

	token := pipeline.NewRunToken()
	path, err := s.saveUpload(mr, token)
	if err != nil {
		status := http.StatusBadRequest
		msg := "No video file uploaded."
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			status = http.StatusRequestEntityTooLarge
			msg = "Uploaded file is too large."
		case !errors.Is(err, errNoVideoPart):
			msg = "Upload could not be read."
		}
		log.WithField("error", err.Error()).Warn("upload rejected")
		writeJSONError(w, status, types.ErrorResponse{Error: msg, Kind: string(pipeline.KindInvalidInput), RunID: token})
		return
	}

	log.WithField("run_id", token).Info("upload saved, starting transcription")
	s.transcribe(w, r, log, pipeline.NewUploadRequest(token, path))
}

var errNoVideoPart = errors.New("no video part in upload")

// saveUpload copies the first "video" part to the run's upload path. The
// partial file is removed if the copy fails; on success the orchestrator owns
// it.
func (s *Server) saveUpload(mr *multipart.Reader, token string) (string, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", errNoVideoPart
		}
		if err != nil {
			return "", err
		}
		if part.FormName() != uploadField || part.FileName() == "" {
			part.Close()
			continue
		}

		path := s.pipeline.Workspace().Path(token, "upload"+uploadExt(part.FileName()))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			part.Close()
			return "", err
		}
		_, copyErr := io.Copy(f, part)
		closeErr := f.Close()
		part.Close()
		if err := errors.Join(copyErr, closeErr); err != nil {
			_ = os.Remove(path)
			return "", err
		}
		return path, nil
	}
}

// uploadExt keeps a short alphanumeric extension from the client filename.
func uploadExt(name string) string {
	ext := filepath.Ext(filepath.Base(name))
	if !safeExt.MatchString(ext) {
		return ""
	}
	return strings.ToLower(ext)
}

// handleURL transcribes a remote video given as {"url": "..."}.
func (s *Server) handleURL(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		return
	}
	log := entryFrom(r)

	var body types.URLRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodySize))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		log.WithField("error", err.Error()).Warn("invalid JSON body")
		writeJSONError(w, http.StatusBadRequest, types.ErrorResponse{Error: "Request body must be JSON.", Kind: string(pipeline.KindInvalidInput)})
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		writeJSONError(w, http.StatusBadRequest, types.ErrorResponse{Error: "No URL provided.", Kind: string(pipeline.KindInvalidInput)})
		return
	}

	req := pipeline.NewURLRequest(body.URL)
	log.WithFields(logrus.Fields{"run_id": req.Token, "url": req.Source}).Info("received URL to transcribe")
	s.transcribe(w, r, log, req)
}

func (s *Server) transcribe(w http.ResponseWriter, r *http.Request, log *logrus.Entry, req pipeline.Request) {
	res, err := s.pipeline.Run(r.Context(), req)
	log = log.WithFields(logrus.Fields{
		"run_id":      res.Token,
		"duration_ms": res.Duration.Milliseconds(),
	})
	if err != nil {
		kind := pipeline.KindOf(err)
		resp := types.ErrorResponse{Error: "Transcription failed.", Kind: string(kind), RunID: res.Token}
		var pErr *pipeline.Error
		if errors.As(err, &pErr) {
			resp.Error = publicMessage(pErr)
			resp.Stage = string(pErr.Stage)
		}
		log.WithField("kind", kind).Warn("transcription request failed")
		writeJSONError(w, statusFor(kind), resp)
		return
	}

	log.Info("transcription request succeeded")
	writeJSON(w, http.StatusOK, types.TranscriptResponse{Transcript: res.Transcript, RunID: res.Token})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Run()
	status := http.StatusOK
	if report.HasFailures {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// statusFor maps failure kinds to HTTP status codes.
func statusFor(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindInvalidInput:
		return http.StatusBadRequest
	case pipeline.KindCanceled:
		return statusClientClosedRequest
	case pipeline.KindToolUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.KindToolTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// statusClientClosedRequest is nginx's code for a caller that went away.
const statusClientClosedRequest = 499

// publicMessage turns a pipeline error into client text. Only the
// classified message is used, never the wrapped cause.
func publicMessage(e *pipeline.Error) string {
	if e.Message == "" {
		return "Transcription failed."
	}
	return strings.ToUpper(e.Message[:1]) + e.Message[1:] + "."
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, resp types.ErrorResponse) {
	writeJSON(w, status, resp)
}
