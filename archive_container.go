package dlpfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
)

// WorkFS is the file system that holds archive working files
type WorkFS interface {
	OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error)
	MkdirAll(name string, perm os.FileMode) error
	RemoveAll(path string) error
}

// OSWorkFS keeps working files on the local disk
type OSWorkFS struct{}

// OpenFile opens name with os.OpenFile
func (OSWorkFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return os.OpenFile(name, flag, perm)
}

// MkdirAll creates name and any missing parents
func (OSWorkFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(name, perm)
}

// RemoveAll removes path and everything under it
func (OSWorkFS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// ArchiveContainer stores a document as a zip archive. Entries are
// materialized into a private working directory while the container is
// open and re-packed on Sync and Close.
type ArchiveContainer struct {
	containerBase
	file    *physicalFile
	work    WorkFS
	workDir string
	info    generalInfo
	size    uint64
}

var _ Container = (*ArchiveContainer)(nil)

// NewArchiveContainer binds an archive container to an open handle. A nil
// work file system keeps working files on disk under Config.WorkDir.
func NewArchiveContainer(f absfs.File, work WorkFS, cfg *Config) (*ArchiveContainer, error) {
	if f == nil {
		return nil, NewIOError("open", "", -1, ErrFdError)
	}
	base, err := newContainerBase(cfg)
	if err != nil {
		return nil, err
	}
	if work == nil {
		work = OSWorkFS{}
	}

	c := &ArchiveContainer{
		containerBase: base,
		file:          newPhysicalFile(f),
		work:          work,
		workDir:       filepath.Join(base.cfg.WorkDir, uuid.NewString()),
		info:          generalInfo{Version: CurrentVersion},
	}
	c.store = c
	return c, nil
}

// WorkDir returns the private working directory of this instance
func (c *ArchiveContainer) WorkDir() string {
	return c.workDir
}

// createWorkingData creates an empty working copy of the ciphertext
func (c *ArchiveContainer) createWorkingData() error {
	if err := c.work.MkdirAll(c.workDir, 0o700); err != nil {
		return NewIOError("mkdir", c.workDir, -1, err)
	}
	name := filepath.Join(c.workDir, workingDataName)
	f, err := c.work.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return NewIOError("open", name, -1, err)
	}
	c.data = newPhysicalFile(f)
	c.dataBase = 0
	return nil
}

// cleanupWorkingFiles closes and removes everything under the working directory
func (c *ArchiveContainer) cleanupWorkingFiles() error {
	var errs []error
	if c.data != nil {
		if err := c.data.close(); err != nil {
			errs = append(errs, err)
		}
		c.data = nil
	}
	if err := c.work.RemoveAll(c.workDir); err != nil {
		errs = append(errs, NewIOError("remove", c.workDir, -1, err))
	}
	return errors.Join(errs...)
}

// Open reads the archive directory, validates the metadata and extracts
// the ciphertext into the working directory
func (c *ArchiveContainer) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.linked {
		return ErrFileLinking
	}
	if c.state != StateUnbound {
		return fmt.Errorf("container already %s: %w", c.state, ErrValueInvalid)
	}

	if err := c.open(); err != nil {
		if cleanupErr := c.cleanupWorkingFiles(); cleanupErr != nil {
			c.logger.Warn("failed to remove working files", "dir", c.workDir, "error", cleanupErr)
		}
		return err
	}

	c.state = StateParsed
	c.promote()
	c.logger.Debug("archive container opened",
		"name", c.file.name(),
		"work_dir", c.workDir,
		"content_size", c.size,
	)
	return nil
}

func (c *ArchiveContainer) open() error {
	size, err := c.file.size()
	if err != nil {
		return err
	}
	zr, err := openArchive(c.file, size)
	if err != nil {
		return err
	}

	raw, err := readEntry(zr, EntryGeneralInfo, MaxCertSize)
	if err != nil {
		return err
	}
	info, err := parseGeneralInfo(raw)
	if err != nil {
		return err
	}

	cert, err := readEntry(zr, EntryCert, MaxCertSize)
	if err != nil {
		return err
	}
	if len(cert) == 0 {
		return newFormatError(ErrFormatInvalid, EntryCert, "entry is empty")
	}

	var offline []byte
	if _, ok := locateEntry(zr, EntryOfflineCert); ok {
		if offline, err = readEntry(zr, EntryOfflineCert, MaxCertSize); err != nil {
			return err
		}
	}

	if err := c.createWorkingData(); err != nil {
		return err
	}
	n, err := extractEntry(zr, EntryEncryptedData, &offsetWriter{p: c.data})
	if err != nil {
		return err
	}

	c.info = *info
	c.size = n
	c.cert = replaceBuffer(c.cert, cert)
	c.contact = replaceBuffer(c.contact, []byte(info.ContactAccount))
	c.offlineCert = replaceBuffer(c.offlineCert, offline)
	c.tag = info.HMAC
	c.policy.AllowOffline = info.OfflineAccess
	return nil
}

// Protect encrypts src into a new archive container
func (c *ArchiveContainer) Protect(src io.Reader) error {
	if src == nil {
		return NewValidationError("source", nil, "source cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkProtect(); err != nil {
		return err
	}

	err := c.protect(src)
	if err != nil {
		if cleanupErr := c.cleanupWorkingFiles(); cleanupErr != nil {
			c.logger.Warn("failed to remove working files", "dir", c.workDir, "error", cleanupErr)
		}
		return err
	}

	c.dirty = false
	c.metaDirty = false
	c.state = StateParsed
	c.promote()
	c.logger.Info("container protected", "name", c.file.name(), "content_size", c.size)
	return nil
}

func (c *ArchiveContainer) protect(src io.Reader) error {
	if err := c.createWorkingData(); err != nil {
		return err
	}
	written, err := c.encryptFrom(src)
	if err != nil {
		return err
	}
	tag, err := c.computeTag(written)
	if err != nil {
		return err
	}

	c.size = written
	c.tag = tag
	c.info.ContactAccount = string(c.contact)
	c.info.OfflineAccess = c.policy.AllowOffline
	return c.pack()
}

// pack rebuilds the archive in the working directory and then copies it
// over the container handle
func (c *ArchiveContainer) pack() error {
	name := filepath.Join(c.workDir, packedName)
	f, err := c.work.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return NewIOError("open", name, -1, err)
	}
	packed := newPhysicalFile(f)
	defer func() {
		packed.close()
		c.work.RemoveAll(name)
	}()

	out := &offsetWriter{p: packed}
	zw := zip.NewWriter(out)

	info := c.info
	info.HMAC = c.tag
	meta, err := info.marshal()
	if err != nil {
		return err
	}
	if err := addEntry(zw, EntryGeneralInfo, meta); err != nil {
		return err
	}
	if err := addEntry(zw, EntryCert, c.cert); err != nil {
		return err
	}
	if len(c.offlineCert) > 0 {
		if err := addEntry(zw, EntryOfflineCert, c.offlineCert); err != nil {
			return err
		}
	}
	if err := addEntryFromFile(zw, EntryEncryptedData, c.data, int64(c.size)); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}

	return c.replaceArchive(packed, out.off)
}

// replaceArchive overwrites the container with the first size bytes of
// packed. The previous archive is saved first and written back if the
// copy fails, so a failed pack leaves the container as it was.
func (c *ArchiveContainer) replaceArchive(packed *physicalFile, size int64) error {
	oldSize, err := c.file.size()
	if err != nil {
		return err
	}

	name := filepath.Join(c.workDir, backupName)
	f, err := c.work.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return NewIOError("open", name, -1, err)
	}
	backup := newPhysicalFile(f)
	defer func() {
		backup.close()
		c.work.RemoveAll(name)
	}()
	if _, err := io.Copy(&offsetWriter{p: backup}, io.NewSectionReader(c.file, 0, oldSize)); err != nil {
		return fmt.Errorf("failed to save archive: %w", err)
	}

	err = copyRange(c.file, packed, size)
	if err == nil && size < oldSize {
		err = c.file.truncate(size)
	}
	if err != nil {
		if restoreErr := c.restoreArchive(backup, oldSize); restoreErr != nil {
			c.logger.Error("failed to restore archive", "name", c.file.name(), "error", restoreErr)
		}
		return fmt.Errorf("failed to replace archive: %w", err)
	}
	return nil
}

func (c *ArchiveContainer) restoreArchive(backup *physicalFile, size int64) error {
	if err := copyRange(c.file, backup, size); err != nil {
		return err
	}
	current, err := c.file.size()
	if err != nil {
		return err
	}
	if current != size {
		return c.file.truncate(size)
	}
	return nil
}

// copyRange copies the first size bytes of src over the start of dst
func copyRange(dst, src *physicalFile, size int64) error {
	_, err := io.Copy(&offsetWriter{p: dst}, io.NewSectionReader(src, 0, size))
	return err
}

func (c *ArchiveContainer) contentSize() (uint64, bool) {
	if c.data == nil {
		return 0, false
	}
	return c.size, true
}

func (c *ArchiveContainer) commitSize(size uint64) error {
	if size < c.size {
		if err := c.data.truncate(int64(size)); err != nil {
			return err
		}
	}
	c.size = size
	return nil
}

func (c *ArchiveContainer) storeTag(tag []byte) error {
	c.tag = tag
	return nil
}

func (c *ArchiveContainer) flush() error {
	if err := c.pack(); err != nil {
		return err
	}
	return c.file.sync()
}

func (c *ArchiveContainer) release() error {
	cleanupErr := c.cleanupWorkingFiles()
	if err := c.file.close(); err != nil {
		return err
	}
	return cleanupErr
}

// GeneralInfo returns the extra-info strings and file type from the metadata
func (c *ArchiveContainer) GeneralInfo() (extra []string, fileType string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.info.ExtraInfo...), c.info.FileType
}

// SetGeneralInfo records extra-info strings and the file type, written on the next pack
func (c *ArchiveContainer) SetGeneralInfo(extra []string, fileType string) error {
	return c.replaceEntry(func() {
		c.info.ExtraInfo = append([]string(nil), extra...)
		c.info.FileType = fileType
	})
}

// SetEncryptCert replaces the certificate entry
func (c *ArchiveContainer) SetEncryptCert(cert []byte) error {
	if err := validateSectionBuffer("cert", cert, false); err != nil {
		return err
	}
	return c.replaceEntry(func() { c.cert = replaceBuffer(c.cert, cert) })
}

// SetContactAccount replaces the contact account recorded in general-info
func (c *ArchiveContainer) SetContactAccount(account string) error {
	if err := validateSectionBuffer("contact_account", []byte(account), false); err != nil {
		return err
	}
	return c.replaceEntry(func() {
		c.contact = replaceBuffer(c.contact, []byte(account))
		c.info.ContactAccount = account
	})
}

// SetOfflineCert sets or, with an empty cert, removes the offline-cert entry
func (c *ArchiveContainer) SetOfflineCert(cert []byte) error {
	if err := validateSectionBuffer("offline_cert", cert, true); err != nil {
		return err
	}
	return c.replaceEntry(func() { c.offlineCert = replaceBuffer(c.offlineCert, cert) })
}

// replaceEntry applies a metadata change. Opened containers re-pack on
// the next Sync or on Close.
func (c *ArchiveContainer) replaceEntry(apply func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUnbound:
	case StateParsed, StateReady:
		if err := c.checkMetadataGrant(); err != nil {
			return err
		}
		c.metaDirty = true
	case StateUnlinked:
		return ErrLinkingStopped
	default:
		return fmt.Errorf("container is %s: %w", c.state, ErrNotReady)
	}
	apply()
	return nil
}
