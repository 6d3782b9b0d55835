package progress

import "io"

// ProgressReader wraps an io.Reader and reports progress via a callback every
// reportInterval bytes and once when crossing each 5% step of a known total.
type ProgressReader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written int64, total int64)

	totalRead      int64
	sinceReport    int64
	reportInterval int64
}

func NewReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

// Written returns the number of bytes read so far.
func (pr *ProgressReader) Written() int64 {
	return pr.totalRead
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n <= 0 {
		return n, err
	}

	before := pr.totalRead
	pr.totalRead += int64(n)
	pr.sinceReport += int64(n)

	if pr.sinceReport >= pr.reportInterval || pr.crossedStep(before) {
		pr.OnProgress(pr.totalRead, pr.Total)
		pr.sinceReport = 0
	}

	return n, err
}

func (pr *ProgressReader) crossedStep(before int64) bool {
	if pr.Total <= 0 {
		return false
	}

	return before*20/pr.Total != pr.totalRead*20/pr.Total
}
