package cryptodisk

// MaxPassphraseLen is the longest passphrase accepted by Dispatcher.Unlock
const MaxPassphraseLen = 256

// Prompter provides a passphrase for a recognized volume
type Prompter interface {
	// Passphrase returns at most maxLen bytes. It returns ErrPassphraseCancelled if the user gave up.
	// The caller wipes the returned slice.
	Passphrase(desc *Descriptor, maxLen int) ([]byte, error)
}

// StaticPassphrase is a Prompter that always returns the same passphrase
type StaticPassphrase []byte

func (p StaticPassphrase) Passphrase(_ *Descriptor, maxLen int) ([]byte, error) {
	if len(p) > maxLen {
		return append([]byte(nil), p[:maxLen]...), nil
	}
	return append([]byte(nil), p...), nil
}

// PrompterFunc adapts a function to the Prompter interface
type PrompterFunc func(desc *Descriptor, maxLen int) ([]byte, error)

func (f PrompterFunc) Passphrase(desc *Descriptor, maxLen int) ([]byte, error) {
	return f(desc, maxLen)
}
