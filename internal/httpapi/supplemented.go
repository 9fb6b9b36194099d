// Additional handlers that real `huggingface_hub` clients call as part
// of the normal upload flow: YAML front-matter validation, a preupload
// probe that tells the client which files will need LFS, and whoami-v2.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
)

type validateYAMLRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleValidateYAML(w http.ResponseWriter, r *http.Request) {
	var req validateYAMLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
		return
	}
	var out map[string]any
	if err := yaml.Unmarshal([]byte(req.Content), &out); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

type preuploadFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type preuploadRequest struct {
	Files []preuploadFile `json:"files"`
}

type preuploadFileResult struct {
	Path        string `json:"path"`
	UploadMode  string `json:"uploadMode"` // "regular" or "lfs"
	ShouldIgnore bool  `json:"shouldIgnore"`
}

func (s *Server) handlePreupload(w http.ResponseWriter, r *http.Request) {
	var req preuploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
		return
	}
	var results []preuploadFileResult
	for _, f := range req.Files {
		mode := "regular"
		if f.Size >= s.Cfg.LFS.ThresholdBytes {
			mode = "lfs"
		}
		results = append(results, preuploadFileResult{
			Path:       f.Path,
			UploadMode: mode,
			ShouldIgnore: strings.HasPrefix(f.Path, ".git/"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": results})
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   principal.Username,
		"type":   "user",
		"isAdmin": principal.IsAdmin,
	})
}
