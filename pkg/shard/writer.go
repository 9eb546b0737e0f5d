package shard

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
)

// WriteFile serializes one data block shard. Every entry's Positions slice
// must span the full interval; entry headers (start offset, valid count) are
// derived from the NaN pattern so writer and reader can never disagree.
func WriteFile(path string, globalIntervalIndex, intervalSize int32, entries []Entry) error {
	if intervalSize <= 0 {
		return util.WrapErrorf(nil, util.ErrValidation, "interval size %d must be positive", intervalSize)
	}
	for _, entry := range entries {
		if int32(len(entry.Positions)) != intervalSize {
			return util.WrapErrorf(nil, util.ErrValidation,
				"trajectory %d has %d positions, interval size is %d",
				entry.TrajectoryID, len(entry.Positions), intervalSize)
		}
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return util.WrapErrorf(err, util.ErrIO, "create directory %s", dir)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return util.WrapErrorf(err, util.ErrIO, "open shard %s for writing", path)
	}
	defer f.Close()

	hdr := blockHeader{
		FormatVersion:        formatVersion,
		EndiannessFlag:       endianLittle,
		GlobalIntervalIndex:  globalIntervalIndex,
		TimeStepIntervalSize: intervalSize,
		TrajectoryEntryCount: int32(len(entries)),
		DataSectionOffset:    blockHeaderSize,
	}
	copy(hdr.Magic[:], dataBlockMagic)

	if err := binary.Write(f, binary.LittleEndian, &hdr); err != nil {
		return util.WrapErrorf(err, util.ErrIO, "write shard header to %s", path)
	}

	floats := make([]float32, intervalSize*3)
	for _, entry := range entries {
		startOffset, validCount := validRange(entry)

		entryHdr := struct {
			TrajectoryID          uint64
			StartOffsetInInterval int32
			ValidSampleCount      int32
		}{
			TrajectoryID:          uint64(entry.TrajectoryID),
			StartOffsetInInterval: startOffset,
			ValidSampleCount:      validCount,
		}
		if err := binary.Write(f, binary.LittleEndian, &entryHdr); err != nil {
			return util.WrapErrorf(err, util.ErrIO,
				"write entry header for trajectory %d to %s", entry.TrajectoryID, path)
		}

		for j, p := range entry.Positions {
			floats[j*3] = p.X
			floats[j*3+1] = p.Y
			floats[j*3+2] = p.Z
		}
		if err := binary.Write(f, binary.LittleEndian, floats); err != nil {
			return util.WrapErrorf(err, util.ErrIO,
				"write positions for trajectory %d to %s", entry.TrajectoryID, path)
		}
	}

	return nil
}

func validRange(entry Entry) (int32, int32) {
	startOffset := int32(-1)
	validCount := int32(0)
	for i, p := range entry.Positions {
		if p.IsNaN() {
			continue
		}
		if startOffset < 0 {
			startOffset = int32(i)
		}
		validCount++
	}
	return startOffset, validCount
}
