package shard

import (
	"encoding/binary"
	"os"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
)

// Binary data block layout, all little-endian and packed:
// 32-byte header, then TrajectoryEntryCount entries. Each entry is a 16-byte
// fixed part (id u64, startOffsetInInterval i32, validSampleCount i32)
// followed by TimeStepIntervalSize * 3 float32 positions.

const (
	dataBlockMagic  = "TDDB"
	formatVersion   = 1
	endianLittle    = 0
	blockHeaderSize = 32
)

type blockHeader struct {
	Magic                [4]byte
	FormatVersion        uint8
	EndiannessFlag       uint8
	Reserved             uint16
	GlobalIntervalIndex  int32
	TimeStepIntervalSize int32
	TrajectoryEntryCount int32
	DataSectionOffset    int64
	Reserved2            uint32
}

// BinaryReader reads data block shard files from disk.
type BinaryReader struct{}

func NewBinaryReader() *BinaryReader {
	return &BinaryReader{}
}

func (r *BinaryReader) LoadShard(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, util.WrapErrorf(err, util.ErrIO, "open shard %s", path)
	}
	defer f.Close()

	var hdr blockHeader
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return nil, util.WrapErrorf(err, util.ErrIO, "read shard header from %s", path)
	}

	if string(hdr.Magic[:]) != dataBlockMagic {
		return nil, util.WrapErrorf(nil, util.ErrValidation,
			"%s: invalid shard magic %q", path, hdr.Magic)
	}
	if hdr.FormatVersion != formatVersion {
		return nil, util.WrapErrorf(nil, util.ErrValidation,
			"%s: unsupported shard format version %d", path, hdr.FormatVersion)
	}
	if hdr.EndiannessFlag != endianLittle {
		return nil, util.WrapErrorf(nil, util.ErrValidation,
			"%s: big-endian shards are not supported", path)
	}
	if hdr.TimeStepIntervalSize <= 0 {
		return nil, util.WrapErrorf(nil, util.ErrValidation,
			"%s: interval size %d must be positive", path, hdr.TimeStepIntervalSize)
	}
	if hdr.TrajectoryEntryCount < 0 {
		return nil, util.WrapErrorf(nil, util.ErrValidation,
			"%s: negative entry count %d", path, hdr.TrajectoryEntryCount)
	}

	if hdr.DataSectionOffset != blockHeaderSize {
		if _, err := f.Seek(hdr.DataSectionOffset, 0); err != nil {
			return nil, util.WrapErrorf(err, util.ErrIO,
				"seek to data section at %d in %s", hdr.DataSectionOffset, path)
		}
	}

	data := &Data{
		IntervalStartTimeStep: hdr.GlobalIntervalIndex * hdr.TimeStepIntervalSize,
		IntervalSize:          hdr.TimeStepIntervalSize,
		Entries:               make([]Entry, 0, hdr.TrajectoryEntryCount),
	}

	floats := make([]float32, hdr.TimeStepIntervalSize*3)
	for i := int32(0); i < hdr.TrajectoryEntryCount; i++ {
		var entryHdr struct {
			TrajectoryID          uint64
			StartOffsetInInterval int32
			ValidSampleCount      int32
		}
		if err := binary.Read(f, binary.LittleEndian, &entryHdr); err != nil {
			return nil, util.WrapErrorf(err, util.ErrIO,
				"read entry header %d from %s", i, path)
		}
		if err := binary.Read(f, binary.LittleEndian, floats); err != nil {
			return nil, util.WrapErrorf(err, util.ErrIO,
				"read positions for entry %d from %s", i, path)
		}

		positions := make([]geo.Vec3, hdr.TimeStepIntervalSize)
		for j := range positions {
			positions[j] = geo.NewVec3(floats[j*3], floats[j*3+1], floats[j*3+2])
		}

		data.Entries = append(data.Entries, Entry{
			TrajectoryID:          uint32(entryHdr.TrajectoryID),
			StartOffsetInInterval: entryHdr.StartOffsetInInterval,
			ValidSampleCount:      entryHdr.ValidSampleCount,
			Positions:             positions,
		})
	}

	return data, nil
}
