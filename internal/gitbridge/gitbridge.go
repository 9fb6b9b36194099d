// Package gitbridge implements the Git Smart HTTP surface: info/refs
// advertisement, upload-pack (clone/fetch), and a receive-pack
// accept-stub, synthesizing pack data entirely in-memory from a branch
// backend's tree rather than from an on-disk Git repository.
//
// Built on go-git/v5's plumbing vocabulary (plumbing.Hash,
// plumbing.ReferenceName) and its storage/memory + plumbing/format/packfile
// packages for building a pack without touching disk. Pkt-line framing
// and side-band 64k multiplexing are hand-rolled the same way go-git's
// own transport/server package does it internally, since no available
// library exposes side-band multiplexing directly.
package gitbridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/kohakuhub/kohakuhub/internal/branch"
	"github.com/kohakuhub/kohakuhub/internal/metrics"
)

const capsAdvert = "multi_ack_detailed no-done side-band-64k agent=kohakuhub/1.0"

// RefAdvertisement is one (name, hash) pair in an info/refs response.
type RefAdvertisement struct {
	Name string
	Hash plumbing.Hash
}

// Builder synthesizes Git pack data for a repository's current state,
// reading commit/tree/blob content out of a branch backend and a blob
// store instead of a real .git directory. Every object it emits is
// stored by go-git's own content-derived hash (plumbing.EncodedObject's
// Hash(), computed from the object's actual encoded bytes) rather than
// a hash the Builder assigns itself, so a tree entry or a commit's
// TreeHash always names an object that is genuinely present in the
// pack.
type Builder struct {
	Branch branch.Backend
}

// readBlobFunc reads a tracked file's content for inlining into a pack.
type readBlobFunc func(ctx context.Context, path, checksum string) ([]byte, error)

// AdvertiseRefs lists every branch of canonicalRepoName as a Git ref,
// resolving each to the real hash of the commit BuildPack would produce
// for that ref right now. lfsThreshold and readBlob must be the same
// values a subsequent BuildPack call uses, since the advertised hash is
// only correct if it is assembled the same way.
func (b *Builder) AdvertiseRefs(ctx context.Context, canonicalRepoName string, branches []string, lfsThreshold int64, readBlob readBlobFunc) ([]RefAdvertisement, error) {
	var refs []RefAdvertisement
	for _, br := range branches {
		if id, err := b.Branch.ResolveRef(ctx, canonicalRepoName, br); err != nil || id == "" {
			continue // branch with no commits yet: omit from advertisement
		}
		storer := memory.NewStorage()
		ch, err := b.assembleCommit(ctx, storer, canonicalRepoName, br, lfsThreshold, readBlob)
		if err != nil {
			return nil, fmt.Errorf("assembling %s for advertisement: %w", br, err)
		}
		refs = append(refs, RefAdvertisement{Name: "refs/heads/" + br, Hash: ch})
	}
	return refs, nil
}

// BuildPack synthesizes a pack file covering every object reachable
// from ref's current tree: a blob per tracked file (LFS-backed files
// are represented by their pointer text), a nested tree object per
// directory, and one commit. Parent-commit linkage is deliberately
// omitted — this bridge serves a single self-contained snapshot per
// request, never a real ancestry walk, so a parent hash would either
// have to point at an object absent from this pack or be faked; leaving
// it unset is the honest option.
func (b *Builder) BuildPack(ctx context.Context, canonicalRepoName, ref string, lfsThreshold int64, readBlob readBlobFunc) (io.Reader, error) {
	started := time.Now()
	storer := memory.NewStorage()

	if _, err := b.assembleCommit(ctx, storer, canonicalRepoName, ref, lfsThreshold, readBlob); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := packfile.NewEncoder(&buf, storer, false)
	var hashes []plumbing.Hash
	it, err := storer.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		return nil, fmt.Errorf("iterating objects for pack: %w", err)
	}
	defer it.Close()
	if err := it.ForEach(func(o plumbing.EncodedObject) error {
		hashes = append(hashes, o.Hash())
		return nil
	}); err != nil {
		return nil, fmt.Errorf("collecting pack objects: %w", err)
	}
	if _, err := enc.Encode(hashes, 0); err != nil {
		return nil, fmt.Errorf("encoding pack: %w", err)
	}

	if metrics.PackSynthesisDuration != nil {
		metrics.PackSynthesisDuration.Record(ctx, time.Since(started).Seconds())
	}
	if metrics.PackObjectsTotal != nil {
		metrics.PackObjectsTotal.Add(ctx, int64(len(hashes)))
	}

	return &buf, nil
}

// assembleCommit writes every blob, tree, and the one commit object
// reachable from ref into storer and returns the commit's real hash.
// Used by both AdvertiseRefs and BuildPack so the hash advertised for a
// ref always matches the hash of the commit actually embedded in the
// pack built for that same ref.
func (b *Builder) assembleCommit(ctx context.Context, storer *memory.Storage, canonicalRepoName, ref string, lfsThreshold int64, readBlob readBlobFunc) (plumbing.Hash, error) {
	objs, err := b.Branch.ListObjects(ctx, canonicalRepoName, ref, "")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("listing objects for %s: %w", ref, err)
	}
	commits, err := b.Branch.ListCommits(ctx, canonicalRepoName, ref)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("listing commits for %s: %w", ref, err)
	}

	root := newDirNode()
	for _, stat := range objs {
		if err := ctx.Err(); err != nil {
			return plumbing.ZeroHash, err
		}
		var contents []byte
		if stat.IsLFSPointer || stat.SizeBytes >= lfsThreshold {
			contents = []byte(pointerPlaceholder(stat.Checksum, stat.SizeBytes))
		} else if readBlob != nil {
			contents, err = readBlob(ctx, stat.Path, stat.Checksum)
			if err != nil {
				return plumbing.ZeroHash, fmt.Errorf("reading blob %s: %w", stat.Path, err)
			}
		}
		bh, err := writeBlob(storer, contents)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		root.insert(strings.Split(stat.Path, "/"), bh)
	}

	th, err := writeDirTree(storer, root)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	return writeCommit(storer, th, commits)
}

func pointerPlaceholder(oid string, size int64) string {
	return fmt.Sprintf("version https://git-lfs.github.com/spec/v1\noid sha256:%s\nsize %d\n", oid, size)
}

// dirNode is a trie node used to turn a flat list of (path, blobHash)
// pairs into nested Git tree objects, one per directory level.
type dirNode struct {
	dirs  map[string]*dirNode
	files map[string]plumbing.Hash
}

func newDirNode() *dirNode {
	return &dirNode{dirs: make(map[string]*dirNode), files: make(map[string]plumbing.Hash)}
}

func (d *dirNode) insert(parts []string, hash plumbing.Hash) {
	if len(parts) == 1 {
		d.files[parts[0]] = hash
		return
	}
	child, ok := d.dirs[parts[0]]
	if !ok {
		child = newDirNode()
		d.dirs[parts[0]] = child
	}
	child.insert(parts[1:], hash)
}

// writeDirTree recursively writes node's subdirectories as nested tree
// objects, then node itself, returning node's real hash. Entries are
// sorted in the order Git's own tree format requires: by name, with a
// directory compared as if its name ended in "/".
func writeDirTree(storer *memory.Storage, node *dirNode) (plumbing.Hash, error) {
	tree := &object.Tree{}

	for name, child := range node.dirs {
		ch, err := writeDirTree(storer, child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: ch})
	}
	for name, hash := range node.files {
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: hash})
	}
	sortKey := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(tree.Entries, func(i, j int) bool { return sortKey(tree.Entries[i]) < sortKey(tree.Entries[j]) })

	obj := storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	_ = w.Close()
	return storer.SetEncodedObject(obj)
}

func writeBlob(storer *memory.Storage, content []byte) (plumbing.Hash, error) {
	obj := storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		return plumbing.ZeroHash, err
	}
	_ = w.Close()
	return storer.SetEncodedObject(obj)
}

func writeCommit(storer *memory.Storage, treeHash plumbing.Hash, commits []branch.Commit) (plumbing.Hash, error) {
	obj := storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)

	c := &object.Commit{TreeHash: treeHash}
	if len(commits) > 0 {
		head := commits[0]
		c.Author = object.Signature{Name: head.Author, Email: head.Email, When: head.Timestamp}
		c.Committer = c.Author
		c.Message = head.Message
	} else {
		c.Message = "initial commit"
	}
	if err := c.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return storer.SetEncodedObject(obj)
}

// NewObjectCache returns a shared LRU object cache for pack encoding,
// matching go-git's recommended cache size for mid-size repositories.
func NewObjectCache() cache.Object {
	return cache.NewObjectLRUDefault()
}
