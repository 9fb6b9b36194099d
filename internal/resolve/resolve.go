// Package resolve implements the resolve/download request router:
// given a repo + revision + file path, determine whether the file is
// tracked locally (serving it via a redirect to a presigned blob URL,
// or the LFS pointer's resolved object) or must be proxied through the
// fallback chain, and issue the appropriate 302.
package resolve

import (
	"context"
	"net/http"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
	"github.com/kohakuhub/kohakuhub/internal/blobstore"
	"github.com/kohakuhub/kohakuhub/internal/branch"
	"github.com/kohakuhub/kohakuhub/internal/fallback"
	"github.com/kohakuhub/kohakuhub/internal/repo"
)

// Router composes the repo store, branch backend, blob store, and
// fallback proxy into a single resolve decision.
type Router struct {
	Repos      *repo.Store
	Branch     branch.Backend
	Blobs      blobstore.Store
	Fallback   *fallback.Proxy
	PresignTTL time.Duration
}

// Result is what the HTTP layer needs to answer a resolve/download
// request: the redirect target, whether it points at an LFS object, and
// the file's size (zero for a fallback redirect).
type Result struct {
	RedirectURL string
	IsLFS       bool
	SizeBytes   int64
}

// Resolve answers "where does this file's bytes live" for
// (repoType, namespace, name, revision, path), checking local hosting
// first and falling back to the external chain when the repo isn't one
// this instance owns or the path isn't found in the local repo.
func (rt *Router) Resolve(ctx context.Context, p *repo.Principal, t repo.RepoType, namespace, name, revision, path string) (*Result, error) {
	r, err := rt.Repos.GetRepository(t, namespace, name)
	if err != nil {
		if apierr.Is(err, apierr.KindNotFound) && rt.Fallback != nil {
			return rt.resolveFallback(ctx, t, namespace, name, revision, path)
		}
		return nil, err
	}
	if !rt.Repos.CanRead(p, r) {
		return nil, apierr.New(apierr.KindPermission, "no read access to "+r.FullName())
	}

	canonical := r.CanonicalName()
	stat, err := rt.Branch.StatObject(ctx, canonical, revision, path)
	if err != nil {
		if apierr.Is(err, apierr.KindNotFound) && rt.Fallback != nil {
			return rt.resolveFallback(ctx, t, namespace, name, revision, path)
		}
		return nil, err
	}

	key := blobstore.RepoObjectKey(canonical, path)
	if stat.IsLFSPointer {
		key = blobstore.LFSKey(stat.Checksum)
	}
	url, err := rt.Blobs.PresignGet(ctx, key, rt.PresignTTL)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "presigning download for "+path, err)
	}
	return &Result{RedirectURL: url, IsLFS: stat.IsLFSPointer, SizeBytes: stat.SizeBytes}, nil
}

func (rt *Router) resolveFallback(ctx context.Context, t repo.RepoType, namespace, name, revision, path string) (*Result, error) {
	repoPath := namespace + "/" + name
	if t != repo.TypeModel {
		repoPath = string(t) + "s/" + repoPath
	}
	src, err := rt.Fallback.Resolve(ctx, namespace, repoPath)
	if err != nil {
		return nil, err
	}
	return &Result{RedirectURL: fallback.BuildFallbackResourceURL(*src, repoPath, revision, path)}, nil
}

// ServeRedirect writes the 302 response: a Location
// header pointed at either a presigned blob URL or an upstream fallback
// resource, with no body.
func ServeRedirect(w http.ResponseWriter, result *Result) {
	w.Header().Set("Location", result.RedirectURL)
	w.WriteHeader(http.StatusFound)
}
