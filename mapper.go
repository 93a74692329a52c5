package cryptodisk

import (
	"fmt"

	"github.com/anatol/devmapper.go"
)

// List of dm-crypt options accepted by SetupMapper.
// These names correspond to cryptsetup persistent flags names (see persistent_flags[] array).
const (
	FlagAllowDiscards       string = "allow-discards"
	FlagSameCPUCrypt        string = "same-cpu-crypt"
	FlagSubmitFromCryptCPUs string = "submit-from-crypt-cpus"
	FlagNoReadWorkqueue     string = "no-read-workqueue"  // supported at Linux 5.9 or newer
	FlagNoWriteWorkqueue    string = "no-write-workqueue" // supported at Linux 5.9 or newer
)

// map of flag names to its dm-crypt counterparts
var flagsKernelNames = map[string]string{
	FlagAllowDiscards:       devmapper.CryptFlagAllowDiscards,
	FlagSameCPUCrypt:        devmapper.CryptFlagSameCPUCrypt,
	FlagSubmitFromCryptCPUs: devmapper.CryptFlagSubmitFromCryptCPUs,
	FlagNoReadWorkqueue:     devmapper.CryptFlagNoReadWorkqueue,
	FlagNoWriteWorkqueue:    devmapper.CryptFlagNoWriteWorkqueue,
}

func kernelFlags(flags []string) ([]string, error) {
	res := make([]string, 0, len(flags))
	for _, f := range flags {
		flag, ok := flagsKernelNames[f]
		if !ok {
			return nil, fmt.Errorf("unknown dm-crypt flag: %v", f)
		}
		res = append(res, flag)
	}
	return res, nil
}

// cryptTable builds a dm-crypt table for the volume stored at backendPath
func (v *Volume) cryptTable(backendPath string, flags []string) (devmapper.CryptTable, error) {
	if v.desc.Luks1 == nil {
		// GELI byte-count IVs and rekeying have no dm-crypt counterpart
		return devmapper.CryptTable{}, fmt.Errorf("%s volumes cannot be mapped with dm-crypt", v.desc.Format)
	}
	if !v.desc.SizeKnown {
		return devmapper.CryptTable{}, fmt.Errorf("volume size is unknown")
	}
	if v.desc.TotalSectors == 0 {
		return devmapper.CryptTable{}, fmt.Errorf("volume has no payload sectors")
	}
	kflags, err := kernelFlags(flags)
	if err != nil {
		return devmapper.CryptTable{}, err
	}

	return devmapper.CryptTable{
		Start:         0,
		Length:        v.desc.TotalSectors << v.desc.SectorShift,
		BackendDevice: backendPath,
		BackendOffset: v.desc.PayloadOffset * storageSectorSize,
		Encryption:    v.desc.Encryption(),
		Key:           v.Key(),
		IVTweak:       0,
		Flags:         kflags,
		SectorSize:    uint64(v.desc.SectorSize()),
	}, nil
}

// SetupMapper creates a dm-crypt device mapper with the given name for a LUKS1 volume.
// backendPath is the path of the device the volume was read from.
func (v *Volume) SetupMapper(backendPath, name string, flags ...string) error {
	if v.key == nil {
		return ErrVolumeClosed
	}
	table, err := v.cryptTable(backendPath, flags)
	if err != nil {
		return err
	}
	defer clearSlice(table.Key)

	uuid := fmt.Sprintf("CRYPT-LUKS1-%v-%v", v.desc.UUID, name) // See dm_prepare_uuid()
	return devmapper.CreateAndLoad(name, uuid, 0, table)
}

// Lock closes device mapper partition with the given name
func Lock(name string) error {
	return devmapper.Remove(name)
}
