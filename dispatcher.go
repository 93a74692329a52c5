package cryptodisk

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

// Dispatcher tries a list of formats against a device
type Dispatcher struct {
	formats []Format
}

// DefaultFormats returns all supported volume formats in the order they are probed
func DefaultFormats() []Format {
	return []Format{Luks1Format{}, GeliFormat{}}
}

// NewDispatcher creates a dispatcher that probes the given formats in order
func NewDispatcher(formats ...Format) *Dispatcher {
	return &Dispatcher{formats: formats}
}

// Probe returns the descriptor produced by the first format that recognizes the device.
// ErrNotEncrypted is returned if no format does. Any other format error stops probing.
func (d *Dispatcher) Probe(dev BlockDevice, opts ScanOptions) (*Descriptor, error) {
	for _, f := range d.formats {
		desc, err := f.Scan(dev, opts)
		if errors.Is(err, ErrFormatMismatch) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name(), err)
		}

		klog.V(2).Infof("found %s volume %s (%s)", desc.Format, desc.UUID, desc.Encryption())
		return desc, nil
	}
	return nil, ErrNotEncrypted
}

func (d *Dispatcher) format(name string) (Format, error) {
	for _, f := range d.formats {
		if f.Name() == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("format %q is not registered", name)
}

// RecoverKey unlocks a volume previously recognized by Probe
func (d *Dispatcher) RecoverKey(dev BlockDevice, desc *Descriptor, passphrase []byte) (*Volume, error) {
	f, err := d.format(desc.Format)
	if err != nil {
		return nil, err
	}
	return f.RecoverKey(dev, desc, passphrase)
}

// Unlock probes the device, asks for a passphrase and recovers the volume key.
// The passphrase is wiped before Unlock returns. Retrying after ErrAccessDenied is up to the caller.
func (d *Dispatcher) Unlock(dev BlockDevice, opts ScanOptions, prompt Prompter) (*Volume, error) {
	desc, err := d.Probe(dev, opts)
	if err != nil {
		return nil, err
	}

	passphrase, err := prompt.Passphrase(desc, MaxPassphraseLen)
	if err != nil {
		return nil, err
	}
	defer clearSlice(passphrase)
	if len(passphrase) > MaxPassphraseLen {
		passphrase = passphrase[:MaxPassphraseLen]
	}

	return d.RecoverKey(dev, desc, passphrase)
}
