package dlpfs

import (
	"fmt"
	"io"
	"time"

	"github.com/absfs/absfs"
	"github.com/klauspost/compress/zip"
)

// Archive entry names
const (
	EntryGeneralInfo   = "general-info"
	EntryCert          = "cert"
	EntryEncryptedData = "encrypted-data"
	EntryOfflineCert   = "offline-cert"

	// workingDataName is the per-open working copy of encrypted-data
	workingDataName = "opened-encrypted-data"
	// packedName is the archive being rebuilt before it replaces the container
	packedName = "packed-archive"
	// backupName holds the previous archive bytes while the container is replaced
	backupName = "previous-archive"
)

// addEntry stores data under name without compression
func addEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(storedHeader(name))
	if err != nil {
		return fmt.Errorf("failed to add entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write entry %s: %w", name, err)
	}
	return nil
}

// addEntryFromFile stores the first size bytes of src under name
func addEntryFromFile(zw *zip.Writer, name string, src io.ReaderAt, size int64) error {
	w, err := zw.CreateHeader(storedHeader(name))
	if err != nil {
		return fmt.Errorf("failed to add entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, io.NewSectionReader(src, 0, size)); err != nil {
		return fmt.Errorf("failed to write entry %s: %w", name, err)
	}
	return nil
}

func storedHeader(name string) *zip.FileHeader {
	return &zip.FileHeader{
		Name:     name,
		Method:   zip.Store,
		Modified: time.Now(),
	}
}

// locateEntry finds a top-level entry by exact name
func locateEntry(zr *zip.Reader, name string) (*zip.File, bool) {
	for _, f := range zr.File {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// readEntry returns the contents of an entry no larger than limit
func readEntry(zr *zip.Reader, name string, limit uint64) ([]byte, error) {
	f, ok := locateEntry(zr, name)
	if !ok {
		return nil, newFormatError(ErrFormatInvalid, name, "entry missing")
	}
	if f.UncompressedSize64 > limit {
		return nil, newFormatError(ErrFormatInvalid, name,
			fmt.Sprintf("entry is %d bytes, limit %d", f.UncompressedSize64, limit))
	}

	rc, err := f.Open()
	if err != nil {
		return nil, newFormatError(ErrFormatInvalid, name, err.Error())
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, int64(limit)+1))
	if err != nil {
		return nil, newFormatError(ErrFormatInvalid, name, err.Error())
	}
	if uint64(len(data)) > limit {
		return nil, newFormatError(ErrFormatInvalid, name, "entry exceeds declared size")
	}
	return data, nil
}

// extractEntry copies an entry into dst and returns its size
func extractEntry(zr *zip.Reader, name string, dst io.Writer) (uint64, error) {
	f, ok := locateEntry(zr, name)
	if !ok {
		return 0, newFormatError(ErrFormatInvalid, name, "entry missing")
	}
	if f.UncompressedSize64 >= MaxContentSize {
		return 0, newFormatError(ErrFormatInvalid, name, "entry too large")
	}

	rc, err := f.Open()
	if err != nil {
		return 0, newFormatError(ErrFormatInvalid, name, err.Error())
	}
	defer rc.Close()

	n, err := io.Copy(dst, io.LimitReader(rc, int64(f.UncompressedSize64)))
	if err != nil {
		return uint64(n), fmt.Errorf("failed to extract %s: %w", name, err)
	}
	if uint64(n) != f.UncompressedSize64 {
		return uint64(n), newFormatError(ErrFormatInvalid, name, "entry shorter than declared")
	}
	return uint64(n), nil
}

// openArchive reads the zip directory of an archive container
func openArchive(r io.ReaderAt, size int64) (*zip.Reader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, newFormatError(ErrNotAContainer, "archive", err.Error())
	}
	if _, ok := locateEntry(zr, EntryGeneralInfo); !ok {
		return nil, newFormatError(ErrNotAContainer, EntryGeneralInfo, "entry missing")
	}
	return zr, nil
}

// IsArchive reports whether f holds an archive container
func IsArchive(f absfs.File) bool {
	if f == nil {
		return false
	}
	p := newPhysicalFile(f)
	size, err := p.size()
	if err != nil {
		return false
	}
	_, err = openArchive(p, size)
	return err == nil
}
