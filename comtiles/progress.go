package comtiles

import "github.com/schollz/progressbar/v3"

// Progress reports incremental completion of ArchiveWriter.Write. Narrower
// than pmtiles/progress.go's ProgressWriter/Progress pair — that one
// supports count- and byte-based bars across many CLI subcommands;
// ArchiveWriter only ever counts tile records, so one counting method
// (plus Close) is enough.
type Progress interface {
	Add(n int)
	Close() error
}

// NewCountProgress returns a Progress backed by a schollz/progressbar
// count bar, or a silent no-op when quiet is true. Mirrors
// defaultProgressWriter.NewCountProgress / quietProgressWriter's split in
// pmtiles/progress.go.
func NewCountProgress(total int64, description string, quiet bool) Progress {
	if quiet {
		return noopProgress{}
	}
	return &progressBarReporter{bar: progressbar.Default(total, description)}
}

type progressBarReporter struct {
	bar *progressbar.ProgressBar
}

func (p *progressBarReporter) Add(n int)    { p.bar.Add(n) }
func (p *progressBarReporter) Close() error { return p.bar.Close() }

type noopProgress struct{}

func (noopProgress) Add(int)      {}
func (noopProgress) Close() error { return nil }
