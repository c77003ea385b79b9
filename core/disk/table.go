package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Mikael-Lovqvist/rpi-setup-script/core/util"
)

const (
	DOS = "dos"
	GPT = "gpt"
)

// Unit sfdisk must report for sizes to be expressed in sectors.
const SectorsUnit = "sectors"

// sfdisk partition type ids used by the layout
const (
	TypeFAT32LBA = "c"
	TypeLinux    = "83"
)

var (
	ErrUnsupportedUnit  = errors.New("unsupported partition table unit")
	ErrNoPartitionTable = errors.New("device does not contain a recognized partition table")
)

// TablePartition is a partition as listed by sfdisk. Start and Size are in
// units of the table (sectors).
type TablePartition struct {
	Node  string `json:"node"`
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
	Type  string `json:"type"`
}

type PartitionTable struct {
	Label      string           `json:"label"`
	ID         string           `json:"id"`
	Device     string           `json:"device"`
	Unit       string           `json:"unit"`
	SectorSize uint64           `json:"sectorsize"`
	Partitions []TablePartition `json:"partitions"`
}

type sfdiskOutput struct {
	PartitionTable *PartitionTable `json:"partitiontable"`
}

// ParsePartitionTable decodes the output of `sfdisk --json`.
func ParsePartitionTable(data []byte) (*PartitionTable, error) {
	var decoded sfdiskOutput
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, errors.Wrap(err, "failed to decode sfdisk output")
	}
	if decoded.PartitionTable == nil {
		return nil, errors.New("invalid sfdisk output, no 'partitiontable' key found")
	}

	return decoded.PartitionTable, nil
}

// ReadPartitionTable queries the partition table of device.
func ReadPartitionTable(ctx context.Context, runner util.Runner, device string) (*PartitionTable, error) {
	out, err := runner.Run(ctx, util.NewCommand("sfdisk", "--json", device))
	if err != nil {
		var cmdErr *util.CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "does not contain a recognized partition table") {
			return nil, ErrNoPartitionTable
		}
		return nil, errors.Wrapf(err, "failed to read partition table of %s", device)
	}

	return ParsePartitionTable(out)
}

// FirstPartitionBytes returns the size of the first partition in bytes.
func (t *PartitionTable) FirstPartitionBytes() (uint64, error) {
	if t.Unit != SectorsUnit {
		return 0, errors.Wrapf(ErrUnsupportedUnit, "got '%s', expected '%s'", t.Unit, SectorsUnit)
	}
	if len(t.Partitions) == 0 {
		return 0, nil
	}
	return t.Partitions[0].Size * t.SectorSize, nil
}

// NeedsRepartition reports whether the table has to be rewritten to hold a
// boot partition of at least minBootSize bytes followed by a root partition.
func (t *PartitionTable) NeedsRepartition(minBootSize uint64) (bool, error) {
	bootBytes, err := t.FirstPartitionBytes()
	if err != nil {
		return false, err
	}
	if len(t.Partitions) < 2 {
		return true, nil
	}
	return bootBytes < minBootSize, nil
}

// LayoutSectorSize is the sector size the layout assumes. Boot sizes must
// be a multiple of it.
const LayoutSectorSize = 512

// Layout is the partition table written to a card that needs repartitioning:
// a FAT boot partition followed by a Linux root partition using the rest of
// the device.
type Layout struct {
	BootSize uint64
}

// Script renders the layout as sfdisk input.
func (l Layout) Script() string {
	return fmt.Sprintf(`label: %s

: size=%s, type=%s
: type=%s
`, DOS, sfdiskSize(l.BootSize), TypeFAT32LBA, TypeLinux)
}

func sfdiskSize(bytes uint64) string {
	const (
		kib = 1 << 10
		mib = 1 << 20
		gib = 1 << 30
	)
	switch {
	case bytes >= gib && bytes%gib == 0:
		return fmt.Sprintf("%dGiB", bytes/gib)
	case bytes >= mib && bytes%mib == 0:
		return fmt.Sprintf("%dMiB", bytes/mib)
	case bytes%kib == 0:
		return fmt.Sprintf("%dKiB", bytes/kib)
	}
	// sfdisk reads unsuffixed sizes as sectors
	return fmt.Sprintf("%d", bytes/LayoutSectorSize)
}

// WriteLayout replaces the partition table of device. All data on the
// device is lost.
func WriteLayout(ctx context.Context, runner util.Runner, device string, layout Layout) error {
	cmd := util.NewCommand("sfdisk", device)
	cmd.Stdin = layout.Script()
	_, err := runner.Run(ctx, cmd)
	if err != nil {
		return errors.Wrapf(err, "failed to partition %s", device)
	}

	return nil
}

// EnsurePartitionTable repartitions device only when its current table
// cannot hold the requested boot partition. It returns true when the device
// was written to.
func EnsurePartitionTable(ctx context.Context, runner util.Runner, log logrus.FieldLogger, device string, layout Layout, minBootSize uint64) (bool, error) {
	repartition := true

	table, err := ReadPartitionTable(ctx, runner, device)
	switch {
	case errors.Is(err, ErrNoPartitionTable):
		log.Debugf("%s has no partition table", device)
	case err != nil:
		return false, err
	default:
		repartition, err = table.NeedsRepartition(minBootSize)
		if err != nil {
			return false, err
		}
	}

	if !repartition {
		log.Info("Partition table seems fine")
		return false, nil
	}

	log.Info("Repartition required")
	if err := WriteLayout(ctx, runner, device, layout); err != nil {
		return false, err
	}

	return true, nil
}
