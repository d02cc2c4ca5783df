// Package bulk defines the tracking state of a bulk group: many per-file
// jobs whose artifacts are combined into fixed-size batches.
package bulk

import (
	"sort"
	"time"
)

// Artifact is one settled file of a group. A failed file has no Ref and
// is left out of its batch's combine.
type Artifact struct {
	FileIndex int    `json:"file_index"`
	Ref       string `json:"ref"`
	Failed    bool   `json:"failed,omitempty"`
}

// Group is the coordinator's per-group state.
type Group struct {
	GroupID        string             `json:"group_id"`
	TotalFiles     int                `json:"total_files"`
	FilesPerBatch  int                `json:"files_per_batch"`
	// CompletedFiles counts settled files, failed ones included.
	CompletedFiles int                `json:"completed_files"`
	Batches        map[int][]Artifact `json:"batches"`
	Fired          map[int]bool       `json:"fired"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// NewGroup returns empty tracking state.
func NewGroup(groupID string, totalFiles, filesPerBatch int) *Group {
	return &Group{
		GroupID:       groupID,
		TotalFiles:    totalFiles,
		FilesPerBatch: filesPerBatch,
		Batches:       make(map[int][]Artifact),
		Fired:         make(map[int]bool),
		UpdatedAt:     time.Now().UTC(),
	}
}

// BatchIndex returns the batch a file belongs to.
func (g *Group) BatchIndex(fileIndex int) int {
	return fileIndex / g.FilesPerBatch
}

// ExpectedInBatch is the number of files batch idx holds; only the last
// batch may be short.
func (g *Group) ExpectedInBatch(idx int) int {
	return min(g.FilesPerBatch, g.TotalFiles-idx*g.FilesPerBatch)
}

// BatchCount is the number of batches the group produces.
func (g *Group) BatchCount() int {
	return (g.TotalFiles + g.FilesPerBatch - 1) / g.FilesPerBatch
}

// HasFile reports whether fileIndex was already recorded.
func (g *Group) HasFile(fileIndex int) bool {
	for _, a := range g.Batches[g.BatchIndex(fileIndex)] {
		if a.FileIndex == fileIndex {
			return true
		}
	}
	return false
}

// Done reports whether every file has settled.
func (g *Group) Done() bool {
	return g.CompletedFiles >= g.TotalFiles
}

// Refs returns the refs of the produced files of batch idx ordered by file
// index. Failed files are skipped.
func (g *Group) Refs(idx int) []string {
	arts := append([]Artifact(nil), g.Batches[idx]...)
	sort.Slice(arts, func(i, j int) bool { return arts[i].FileIndex < arts[j].FileIndex })

	refs := make([]string, 0, len(arts))
	for _, a := range arts {
		if !a.Failed {
			refs = append(refs, a.Ref)
		}
	}
	return refs
}

// FailedFiles counts the files of the group that failed for good.
func (g *Group) FailedFiles() int {
	n := 0
	for _, arts := range g.Batches {
		for _, a := range arts {
			if a.Failed {
				n++
			}
		}
	}
	return n
}

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	c := *g
	c.Batches = make(map[int][]Artifact, len(g.Batches))
	for k, v := range g.Batches {
		c.Batches[k] = append([]Artifact(nil), v...)
	}
	c.Fired = make(map[int]bool, len(g.Fired))
	for k, v := range g.Fired {
		c.Fired[k] = v
	}
	return &c
}
