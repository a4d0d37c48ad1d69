package vfs

import (
	"sort"

	"github.com/conneroisu/livesite/internal/errors"
)

// Merge shadows snapshot with edits, keyed on RepoPath, last write wins.
//
// An edit whose content does not decode is dropped and whatever the path held
// before it (the snapshot value or an earlier edit) stays. Snapshot records
// that do not decode are dropped as well. Every dropped record is reported in
// the returned slice; Merge itself never fails.
func Merge(snapshot Snapshot, edits []PendingEdit) (*VFS, []error) {
	var dropped []error

	v := &VFS{entries: make(map[string]Entry, len(snapshot)+len(edits))}

	for key, rec := range snapshot {
		path := key
		if path == "" {
			path = rec.Path
		}
		if path == "" {
			continue
		}
		data, err := rec.Decode()
		if err != nil {
			dropped = append(dropped, errors.ErrMalformedSnapshotContent(path, err))
			continue
		}
		v.entries[path] = Entry{Path: path, Data: data, Origin: OriginSnapshot}
	}

	for _, edit := range edits {
		if edit.RepoPath == "" {
			continue
		}
		data, err := DecodeBase64(edit.Content)
		if err != nil {
			dropped = append(dropped, errors.ErrMalformedOverlayContent(edit.RepoPath, err))
			continue
		}
		v.entries[edit.RepoPath] = Entry{Path: edit.RepoPath, Data: data, Origin: OriginOverlay}
	}

	v.index()
	sortErrors(dropped)

	return v, dropped
}

// sortErrors orders drop reports by path so Merge output is stable even
// though snapshot iteration order is not.
func sortErrors(errs []error) {
	sort.SliceStable(errs, func(i, j int) bool {
		return errorPath(errs[i]) < errorPath(errs[j])
	})
}

func errorPath(err error) string {
	if pe, ok := err.(*errors.PreviewError); ok {
		return pe.Path
	}
	return err.Error()
}
