package main

import (
	"errors"
	"fmt"

	"github.com/anatol/cryptodisk.go"
	"github.com/peterh/liner"
	"github.com/twpayne/go-pinentry"
	"k8s.io/klog/v2"
)

// terminalPrompter asks the user for a passphrase with pinentry, falling back to the terminal
type terminalPrompter struct {
	usePinentry bool
}

func (p terminalPrompter) Passphrase(desc *cryptodisk.Descriptor, maxLen int) ([]byte, error) {
	passphrase, err := readPassphrase(desc, p.usePinentry)
	if err != nil {
		return nil, err
	}
	b := []byte(passphrase)
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	return b, nil
}

func readPassphrase(desc *cryptodisk.Descriptor, usePinentry bool) (string, error) {
	var (
		err        error
		client     *pinentry.Client
		passphrase string
		prompt     = fmt.Sprintf("Enter passphrase for %s volume %s", desc.Format, desc.UUID)
	)

	if usePinentry {
		if client, err = getPinentry(
			pinentry.WithBinaryNameFromGnuPGAgentConf(),
			pinentry.WithDesc(prompt+"."),
			pinentry.WithGPGTTY(),
			pinentry.WithPrompt("Passphrase:"),
			pinentry.WithTitle("cryptodisk"),
		); err != nil {
			klog.V(2).Infof("pinentry is not available: %v", err)
			client = nil
		}
	}

	if client != nil {
		defer client.Close()
		passphrase, _, err = client.GetPIN()
		if pinentry.IsCancelled(err) {
			return "", cryptodisk.ErrPassphraseCancelled
		} else if err != nil {
			return "", err
		}
	} else if passphrase, err = readPassword(prompt + ": "); err != nil {
		return "", err
	}

	if passphrase == "" {
		return "", errors.New("no passphrase provided")
	}
	return passphrase, nil
}

var getPinentry func(options ...pinentry.ClientOption) (c *pinentry.Client, err error) = func(options ...pinentry.ClientOption) (c *pinentry.Client, err error) {
	return pinentry.NewClient(options...)
}

var readPassword func(prompt string) (string, error) = func(prompt string) (string, error) {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()

	password, err := line.PasswordPrompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", cryptodisk.ErrPassphraseCancelled
	}
	return password, err
}
