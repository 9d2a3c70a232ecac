package archive

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	namePrefix      = "backup_"
	encryptedSuffix = ".enc"
	partialSuffix   = ".partial"
	timestampLayout = "20060102T150405Z"
)

var hostSanitizer = regexp.MustCompile(`[^A-Za-z0-9.-]+`)

// NameInfo is what can be recovered from an archive file name
type NameInfo struct {
	Host        string
	Timestamp   time.Time
	RunID       string
	Compression Compression
	Encrypted   bool
}

// Name builds backup_<host>_<UTC yyyymmddThhmmssZ>_<runid8>.tar.<ext>[.enc]
func Name(host string, ts time.Time, runID string, c Compression, encrypted bool) string {
	comp, err := GetCompressor(c)
	if err != nil {
		comp = compressors[CompressionNone]
	}

	short := strings.ReplaceAll(runID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}

	name := fmt.Sprintf("%s%s_%s_%s%s", namePrefix, sanitizeHost(host), ts.UTC().Format(timestampLayout), short, comp.Extension())
	if encrypted {
		name += encryptedSuffix
	}
	return name
}

func sanitizeHost(host string) string {
	h := hostSanitizer.ReplaceAllString(host, "-")
	if h == "" {
		return "host"
	}
	return h
}

// Inspect detects compression and encryption from the file name
func Inspect(name string) (Compression, bool, error) {
	base := name
	if i := strings.LastIndexAny(base, "/\\"); i >= 0 {
		base = base[i+1:]
	}

	encrypted := strings.HasSuffix(base, encryptedSuffix)
	base = strings.TrimSuffix(base, encryptedSuffix)

	for _, c := range []Compression{CompressionZstd, CompressionGzip, CompressionLZ4, CompressionNone} {
		if strings.HasSuffix(base, compressors[c].Extension()) {
			return c, encrypted, nil
		}
	}
	if strings.HasSuffix(base, ".tgz") {
		return CompressionGzip, encrypted, nil
	}
	return "", false, fmt.Errorf("unrecognised archive name: %s", name)
}

// IsArchiveName reports whether name looks like a finished archive
func IsArchiveName(name string) bool {
	if strings.HasSuffix(name, partialSuffix) {
		return false
	}
	_, _, err := Inspect(name)
	return err == nil
}

// ParseName extracts host, timestamp and run id from an archive file name
func ParseName(name string) (NameInfo, bool) {
	base := name
	if i := strings.LastIndexAny(base, "/\\"); i >= 0 {
		base = base[i+1:]
	}

	c, encrypted, err := Inspect(base)
	if err != nil || !strings.HasPrefix(base, namePrefix) {
		return NameInfo{}, false
	}

	stem := strings.TrimSuffix(base, encryptedSuffix)
	stem = strings.TrimSuffix(stem, compressors[c].Extension())
	stem = strings.TrimPrefix(stem, namePrefix)

	runSep := strings.LastIndex(stem, "_")
	if runSep < 0 {
		return NameInfo{}, false
	}
	tsSep := strings.LastIndex(stem[:runSep], "_")
	if tsSep < 0 {
		return NameInfo{}, false
	}

	ts, err := time.Parse(timestampLayout, stem[tsSep+1:runSep])
	if err != nil {
		return NameInfo{}, false
	}

	return NameInfo{
		Host:        stem[:tsSep],
		Timestamp:   ts,
		RunID:       stem[runSep+1:],
		Compression: c,
		Encrypted:   encrypted,
	}, true
}
