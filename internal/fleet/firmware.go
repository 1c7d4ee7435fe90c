package fleet

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FirmwareFile is a parsed firmware image, named by convention
// `<...>_<type>_<patch>_<minor>_<major>_<sn>_<hw_id_hex>.bin`
// (7 underscore-delimited parts; see spec.md §3).
type FirmwareFile struct {
	Path       string
	FwType     string
	FwVersion  [3]byte // patch, minor, major
	SensorSN   uint16
	SensorID   [12]byte
	Payload    []byte
}

// NumericVersion returns patch + 100*minor + 10000*major, the
// comparable form used by the eligibility check in spec.md §4.7.
func (f FirmwareFile) NumericVersion() int {
	return int(f.FwVersion[0]) + 100*int(f.FwVersion[1]) + 10000*int(f.FwVersion[2])
}

// ParseFirmwareFilename parses the filename convention without reading
// the file payload. path's base name must have exactly 7
// underscore-delimited parts ending in ".bin".
func ParseFirmwareFilename(path string) (FirmwareFile, error) {
	var f FirmwareFile
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".bin") {
		return f, fmt.Errorf("fleet: firmware filename %q missing .bin suffix", base)
	}
	stem := strings.TrimSuffix(base, ".bin")
	parts := strings.Split(stem, "_")
	if len(parts) != 7 {
		return f, fmt.Errorf("fleet: firmware filename %q has %d underscore-delimited parts, want 7", base, len(parts))
	}

	// parts: [name, type, patch, minor, major, sn, hw_id_hex]
	f.Path = path
	f.FwType = parts[1]

	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return f, fmt.Errorf("fleet: firmware filename %q has invalid patch: %w", base, err)
	}
	minor, err := strconv.Atoi(parts[3])
	if err != nil {
		return f, fmt.Errorf("fleet: firmware filename %q has invalid minor: %w", base, err)
	}
	major, err := strconv.Atoi(parts[4])
	if err != nil {
		return f, fmt.Errorf("fleet: firmware filename %q has invalid major: %w", base, err)
	}
	f.FwVersion = [3]byte{byte(patch), byte(minor), byte(major)}

	sn, err := strconv.Atoi(parts[5])
	if err != nil {
		return f, fmt.Errorf("fleet: firmware filename %q has invalid sn: %w", base, err)
	}
	if sn < 0 || sn > 65535 {
		return f, fmt.Errorf("fleet: firmware filename %q sn %d out of range", base, sn)
	}
	f.SensorSN = uint16(sn)

	hwIDBytes, err := hex.DecodeString(parts[6])
	if err != nil {
		return f, fmt.Errorf("fleet: firmware filename %q has invalid hw_id hex: %w", base, err)
	}
	n := copy(f.SensorID[:], hwIDBytes)
	if n != len(f.SensorID) {
		return f, fmt.Errorf("fleet: firmware filename %q hw_id decodes to %d bytes, want %d", base, len(hwIDBytes), len(f.SensorID))
	}

	return f, nil
}

// LoadFirmwareFile parses the filename and reads the binary payload.
func LoadFirmwareFile(path string) (FirmwareFile, error) {
	f, err := ParseFirmwareFilename(path)
	if err != nil {
		return f, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("fleet: read firmware file %q: %w", path, err)
	}
	f.Payload = payload
	return f, nil
}

// DiscoverFirmwareFiles globs dir for *.bin files and parses each,
// aborting (per spec.md §3 invariant) if two files target the same
// sensor serial.
func DiscoverFirmwareFiles(dir string) ([]FirmwareFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("fleet: read firmware directory %q: %w", dir, err)
	}

	var files []FirmwareFile
	seen := map[uint16]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		f, err := LoadFirmwareFile(path)
		if err != nil {
			return nil, err
		}
		if prior, dup := seen[f.SensorSN]; dup {
			return nil, fmt.Errorf("fleet: duplicate firmware target sn=%d (%q and %q)", f.SensorSN, prior, path)
		}
		seen[f.SensorSN] = path
		files = append(files, f)
	}
	return files, nil
}
