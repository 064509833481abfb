package binlog

import "github.com/snapflowio/binlogcdc/position"

type File struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type Info struct {
	Current      position.Position `json:"current"`
	GTIDExecuted string            `json:"gtidExecuted,omitempty"`
	Format       string            `json:"format"`
	RowImage     string            `json:"rowImage"`
	Version      string            `json:"version"`
	Files        []File            `json:"files"`
	LogBin       bool              `json:"logBin"`
}

// Retained is the total size of the binlog files the server still keeps.
func (i *Info) Retained() int64 {
	var n int64
	for _, f := range i.Files {
		n += f.Size
	}
	return n
}
