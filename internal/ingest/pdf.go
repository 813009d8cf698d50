package ingest

import (
	"fmt"
	"os"

	rpdf "rsc.io/pdf"
)

// pdfPageCount opens a downloaded PDF and returns its page count. The
// parser panics on some malformed files; that is reported as an error.
func pdfPageCount(p string) (pages int, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pdf parser panic: %v", recovered)
			pages = 0
		}
	}()

	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	reader, err := rpdf.NewReader(f, info.Size())
	if err != nil {
		return 0, err
	}
	return reader.NumPage(), nil
}
