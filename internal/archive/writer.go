package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/models"
)

var (
	// ErrChecksumMismatch marks an archive whose integrity block does not
	// match its trades. Readers fall back to the backup copy.
	ErrChecksumMismatch = errors.New("archive checksum mismatch")
	// ErrWriteFailed marks an archival write that could not complete.
	ErrWriteFailed = errors.New("archive write failed")
)

// Writer persists archives under archiveDir with a bit-compatible copy under
// backupDir. A marker file per (day, mode) makes archival idempotent.
type Writer struct {
	archiveDir string
	backupDir  string
	logger     *logrus.Logger
}

// NewWriter builds an archive writer.
func NewWriter(archiveDir, backupDir string, logger *logrus.Logger) *Writer {
	return &Writer{archiveDir: archiveDir, backupDir: backupDir, logger: logger}
}

// Path returns the primary archive path for a day and mode.
func (w *Writer) Path(day time.Time, mode models.Mode) string {
	return archivePath(w.archiveDir, day, mode)
}

// BackupPath returns the backup archive path for a day and mode.
func (w *Writer) BackupPath(day time.Time, mode models.Mode) string {
	return archivePath(w.backupDir, day, mode)
}

func archivePath(root string, day time.Time, mode models.Mode) string {
	return filepath.Join(root, day.Format("2006"), day.Format("01"),
		fmt.Sprintf("trades_%s_%s.json", day.Format("2006-01-02"), mode))
}

func (w *Writer) markerPath(day time.Time, mode models.Mode) string {
	return filepath.Join(w.archiveDir, day.Format("2006"), day.Format("01"),
		fmt.Sprintf(".archived_%s_%s", day.Format("2006-01-02"), mode))
}

// Archived reports whether the (day, mode) pair has already been archived.
func (w *Writer) Archived(day time.Time, mode models.Mode) bool {
	_, err := os.Stat(w.markerPath(day, mode))
	return err == nil
}

// Write persists the document: primary first, verified by re-reading, then
// the backup, then the idempotency marker. Returns the primary path. A second
// call for the same (day, mode) is a no-op.
func (w *Writer) Write(doc *Document) (string, error) {
	day, err := time.Parse("2006-01-02", doc.Metadata.TradingDay)
	if err != nil {
		return "", fmt.Errorf("%w: bad trading_day %q", ErrWriteFailed, doc.Metadata.TradingDay)
	}
	mode := models.Mode(doc.Metadata.TradingMode)

	primary := w.Path(day, mode)
	if w.Archived(day, mode) {
		w.logger.WithField("path", primary).Info("archive already written, skipping")
		return primary, nil
	}

	if err := writeJSONAtomic(primary, doc); err != nil {
		return "", fmt.Errorf("%w: primary: %v", ErrWriteFailed, err)
	}

	// Verify by re-reading the bytes that actually hit disk.
	reread, err := ReadFile(primary)
	if err != nil {
		return "", fmt.Errorf("archive verification: %w", err)
	}
	if reread.DataIntegrity.TradeCount != len(doc.Trades) {
		return "", fmt.Errorf("%w: re-read %d trades, wrote %d",
			ErrChecksumMismatch, reread.DataIntegrity.TradeCount, len(doc.Trades))
	}

	backup := w.BackupPath(day, mode)
	if err := writeJSONAtomic(backup, doc); err != nil {
		return "", fmt.Errorf("%w: backup: %v", ErrWriteFailed, err)
	}

	if err := os.WriteFile(w.markerPath(day, mode), []byte(doc.Metadata.ExportTimestamp.Format(time.RFC3339)), 0o600); err != nil {
		return "", fmt.Errorf("%w: marker: %v", ErrWriteFailed, err)
	}

	w.logger.WithFields(logrus.Fields{
		"path":   primary,
		"backup": backup,
		"trades": len(doc.Trades),
	}).Info("daily archive written")
	return primary, nil
}

// ReadFile loads and verifies one archive file.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-controlled archive path
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	if err := doc.Verify(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Read loads the archive for (day, mode), falling back to the backup copy
// when the primary is missing or corrupt.
func (w *Writer) Read(day time.Time, mode models.Mode) (*Document, error) {
	doc, err := ReadFile(w.Path(day, mode))
	if err == nil {
		return doc, nil
	}
	w.logger.WithError(err).Warn("primary archive unreadable, trying backup")
	doc, berr := ReadFile(w.BackupPath(day, mode))
	if berr != nil {
		return nil, fmt.Errorf("primary: %v; backup: %w", err, berr)
	}
	return doc, nil
}

// writeJSONAtomic writes v as indented JSON via a temp file and rename.
func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
