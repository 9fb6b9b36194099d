package httpapi

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
	"github.com/kohakuhub/kohakuhub/internal/commitengine"
	"github.com/kohakuhub/kohakuhub/internal/metrics"
)

const maxCommitBodyBytes = 200 << 20

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	vars := mux.Vars(r)
	rep, err := s.Repos.GetRepository(repoType(r), vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if !s.Repos.CanWrite(principal, rep) {
		apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "no write access"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommitBodyBytes))
	if err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "reading commit body", err))
		return
	}
	parsed, err := commitengine.ParseNDJSON(body)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}

	result, err := s.Commit.Execute(r.Context(), rep, vars["revision"], parsed, principal.Username, "")
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}

	if metrics.CommitsTotal != nil {
		metrics.CommitsTotal.Add(r.Context(), 1)
	}
	if metrics.CommitBytesTotal != nil && result.BytesAdded > 0 {
		metrics.CommitBytesTotal.Add(r.Context(), result.BytesAdded)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commitOid": result.CommitID,
		"commitUrl": s.Cfg.PublicBaseURL + "/" + rep.FullName() + "/commit/" + result.CommitID,
	})
}
