// Package source discovers partition input files and decodes them into raw records.
package source

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smallbiznis/kpiledger/internal/partition/domain"
)

var ErrUnsupportedSource = errors.New("unsupported_source_type")

// File is one input file of a partition.
type File struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"md5"`
}

// RawItem is one undecoded order line.
type RawItem struct {
	SkuID    string
	Quantity string
}

// RawRecord is a single source record before normalization. Payload keeps the
// original bytes for the reject stream.
type RawRecord struct {
	SourceFile string
	Index      int
	Payload    string
	Fields     map[string]string
	Items      []RawItem
	// Malformed is set when the record could not be decoded at all.
	Malformed string
}

// Field returns the trimmed value of name.
func (r RawRecord) Field(name string) string {
	return strings.TrimSpace(r.Fields[name])
}

// Extension returns the file extension read for a source type.
func Extension(sourceType domain.SourceType) (string, error) {
	switch sourceType {
	case domain.SourceCustomers:
		return ".csv", nil
	case domain.SourceOrders:
		return ".xml", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, sourceType)
	}
}

// PartitionDir is <incoming>/<source>/<date>.
func PartitionDir(incomingDir string, key domain.Key) string {
	return filepath.Join(incomingDir, string(key.SourceType), key.Date)
}

// Discover lists the partition's input files sorted by name with their md5.
// A missing directory yields no files.
func Discover(incomingDir string, key domain.Key) ([]File, error) {
	ext, err := Extension(key.SourceType)
	if err != nil {
		return nil, err
	}
	dir := PartitionDir(incomingDir, key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		sum, size, err := checksumFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, File{Name: entry.Name(), Path: path, Size: size, Checksum: sum})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// DiscoverDates lists the partition dates that have a directory for sourceType.
func DiscoverDates(incomingDir string, sourceType domain.SourceType) ([]string, error) {
	dir := filepath.Join(incomingDir, string(sourceType))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var dates []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := domain.NewKey(sourceType, entry.Name()); err != nil {
			continue
		}
		dates = append(dates, entry.Name())
	}
	sort.Strings(dates)
	return dates, nil
}

// CombinedChecksum folds per-file checksums into one partition checksum.
func CombinedChecksum(files []File) string {
	h := md5.New()
	for _, f := range files {
		_, _ = io.WriteString(h, f.Name+":"+f.Checksum+"\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Read decodes every file of a partition in order.
func Read(sourceType domain.SourceType, files []File) ([]RawRecord, error) {
	var records []RawRecord
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Path, err)
		}
		var decoded []RawRecord
		switch sourceType {
		case domain.SourceCustomers:
			decoded, err = ReadCSV(f.Name, data)
		case domain.SourceOrders:
			decoded, err = ReadXML(f.Name, data)
		default:
			err = fmt.Errorf("%w: %q", ErrUnsupportedSource, sourceType)
		}
		if err != nil {
			return nil, err
		}
		records = append(records, decoded...)
	}
	return records, nil
}

func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := md5.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
