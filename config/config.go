// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config decodes the engine tunables and the volume
// configuration file (spec §6) via sigs.k8s.io/yaml, the same
// YAML-over-JSON-tags approach the teacher module already depends
// on elsewhere.
package config

import (
	"fmt"

	"sigs.k8s.io/yaml"
)

// RAMCacheAlgorithm selects the RAM cache policy (spec §4.9/§6).
type RAMCacheAlgorithm string

const (
	AlgorithmLRU   RAMCacheAlgorithm = "lru"
	AlgorithmCLFUS RAMCacheAlgorithm = "clfus"
)

// Compression selects the CLFUS background compressor (spec §6).
type Compression string

const (
	CompressNone Compression = "none"
	CompressFast Compression = "fast" // s2
	CompressZstd Compression = "zstd" // libz-equivalent role in this port
	CompressXZ   Compression = "xz"   // accepted by the parser; the RAM cache has no xz codec and stores entries uncompressed
)

// Engine holds every tunable spec §6 lists as "actually consumed by
// the core".
type Engine struct {
	RAMCacheSize          string            `json:"ram_cache_size"` // bytes, or "auto"
	RAMCacheAlgorithm     RAMCacheAlgorithm `json:"ram_cache_algorithm"`
	RAMCacheCompress      Compression       `json:"ram_cache_compress"`
	RAMCacheUseSeenFilter bool              `json:"ram_cache_use_seen_filter"`
	RAMCacheCutoff        int64             `json:"ram_cache_cutoff"`

	DirSyncFrequencySeconds int `json:"dir_sync_frequency"`

	TargetFragmentSize int `json:"target_fragment_size"`
	AggWriteBacklog     int `json:"agg_write_backlog"`
	MaxDocSize          int `json:"max_doc_size"` // 0 disables

	EnableChecksum       bool `json:"enable_checksum"`
	EnableStrongChecksum bool `json:"enable_strong_checksum"` // additive blake2b digest, see doc.SumBlake2b
	MinAverageObjSize    int  `json:"min_average_object_size"`

	HitEvacuatePercent   int   `json:"hit_evacuate_percent"`
	HitEvacuateSizeLimit int64 `json:"hit_evacuate_size_limit"`

	PermitPinning bool  `json:"permit_pinning"`
	MaxDiskErrors int32 `json:"max_disk_errors"`

	EnableReadWhileWriter      bool `json:"enable_read_while_writer"`
	ReadWhileWriterMaxRetries  int  `json:"read_while_writer_max_retries"`
	ReadWhileWriterRetryDelayMS int `json:"read_while_writer_retry_delay_ms"`

	MutexRetryDelayMS int `json:"mutex_retry_delay_ms"`
	HTTPMaxAlts       int `json:"http_max_alts"`
}

// Default returns the baseline engine configuration that ParseEngine
// starts from and that the tests use.
func Default() Engine {
	return Engine{
		RAMCacheSize:                "auto",
		RAMCacheAlgorithm:           AlgorithmCLFUS,
		RAMCacheCompress:            CompressNone,
		RAMCacheUseSeenFilter:       true,
		RAMCacheCutoff:              1 << 20,
		DirSyncFrequencySeconds:     60,
		TargetFragmentSize:          1 << 20,
		AggWriteBacklog:             4 << 20,
		MaxDocSize:                  0,
		EnableChecksum:              true,
		MinAverageObjSize:           8000,
		HitEvacuatePercent:          10,
		HitEvacuateSizeLimit:        0,
		PermitPinning:               true,
		MaxDiskErrors:               5,
		EnableReadWhileWriter:       true,
		ReadWhileWriterMaxRetries:   10,
		ReadWhileWriterRetryDelayMS: 10,
		MutexRetryDelayMS:           10,
		HTTPMaxAlts:                 10,
	}
}

// ParseEngine decodes an Engine from YAML, applying Default() for
// any field the document omits by unmarshalling onto a Default()
// base.
func ParseEngine(data []byte) (Engine, error) {
	e := Default()
	if err := yaml.Unmarshal(data, &e); err != nil {
		return Engine{}, fmt.Errorf("config: parse engine config: %w", err)
	}
	return e, nil
}

// VolumeScheme is the protocol scheme a volume record applies to.
type VolumeScheme string

const SchemeHTTP VolumeScheme = "http"

// VolumeRecord is one line of the volume configuration file (spec
// §6): { volume-number, scheme, size }.
type VolumeRecord struct {
	Number int          `json:"volume"`
	Scheme VolumeScheme `json:"scheme"`
	// Size is either an absolute size like "512M"/"10G", or a
	// percentage like "25%".
	Size string `json:"size"`
}

// VolumeFile is the parsed volume configuration file.
type VolumeFile struct {
	Volumes []VolumeRecord `json:"volumes"`
}

// ParseVolumeFile decodes and validates a volume configuration file.
// Percentages are rounded down to 128 MiB multiples; a total over
// 100% is rejected (spec §6, grounded on iocore/cache mgmt/MultiFile.cc
// per SPEC_FULL.md SUPPLEMENTED FEATURES).
func ParseVolumeFile(data []byte) (VolumeFile, error) {
	var vf VolumeFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return VolumeFile{}, fmt.Errorf("config: parse volume file: %w", err)
	}
	totalPercent := 0
	for _, v := range vf.Volumes {
		if isPercent(v.Size) {
			pct, err := percentValue(v.Size)
			if err != nil {
				return VolumeFile{}, err
			}
			totalPercent += pct
		}
	}
	if totalPercent > 100 {
		return VolumeFile{}, fmt.Errorf("config: volume percentages sum to %d%%, exceeds 100%%", totalPercent)
	}
	return vf, nil
}

func isPercent(s string) bool {
	return len(s) > 0 && s[len(s)-1] == '%'
}

func percentValue(s string) (int, error) {
	var pct int
	_, err := fmt.Sscanf(s, "%d%%", &pct)
	if err != nil {
		return 0, fmt.Errorf("config: bad percentage %q: %w", s, err)
	}
	return pct, nil
}

const oneTwentyEightMiB = 128 << 20

// ResolveSize converts a volume record's Size field into an
// absolute byte count given the disk's total usable bytes.
// Percentages round down to 128 MiB multiples per spec §6.
func ResolveSize(size string, diskTotal int64) (int64, error) {
	if isPercent(size) {
		pct, err := percentValue(size)
		if err != nil {
			return 0, err
		}
		raw := diskTotal * int64(pct) / 100
		return (raw / oneTwentyEightMiB) * oneTwentyEightMiB, nil
	}
	return parseAbsoluteSize(size)
}

func parseAbsoluteSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("config: empty size")
	}
	mult := int64(1)
	unit := s[len(s)-1]
	numPart := s
	switch unit {
	case 'K', 'k':
		mult = 1 << 10
		numPart = s[:len(s)-1]
	case 'M', 'm':
		mult = 1 << 20
		numPart = s[:len(s)-1]
	case 'G', 'g':
		mult = 1 << 30
		numPart = s[:len(s)-1]
	}
	var n int64
	if _, err := fmt.Sscanf(numPart, "%d", &n); err != nil {
		return 0, fmt.Errorf("config: bad size %q: %w", s, err)
	}
	return n * mult, nil
}
