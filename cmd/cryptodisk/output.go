package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/anatol/cryptodisk.go"
	"github.com/hokaccha/go-prettyjson"
	"github.com/jedib0t/go-pretty/v6/table"
)

type descriptorView struct {
	Device        string `json:"device"`
	Format        string `json:"format"`
	UUID          string `json:"uuid"`
	Encryption    string `json:"encryption"`
	KeyBits       int    `json:"key_bits"`
	Hash          string `json:"hash"`
	SectorSize    int    `json:"sector_size"`
	PayloadOffset uint64 `json:"payload_offset"`
	Sectors       uint64 `json:"sectors"`
	Slots         []int  `json:"slots"`
}

func newDescriptorView(device string, desc *cryptodisk.Descriptor) descriptorView {
	return descriptorView{
		Device:        device,
		Format:        desc.Format,
		UUID:          desc.UUID,
		Encryption:    desc.Encryption(),
		KeyBits:       desc.KeyBytes * 8,
		Hash:          desc.HashName,
		SectorSize:    desc.SectorSize(),
		PayloadOffset: desc.PayloadOffset,
		Sectors:       desc.TotalSectors,
		Slots:         desc.Slots(),
	}
}

type tokenView struct {
	ID       int    `json:"id"`
	Type     string `json:"type"`
	TypeUUID string `json:"type_uuid"`
	Slots    []int  `json:"slots"`
	Payload  string `json:"payload"`
}

func newTokenViews(tokens []cryptodisk.Token) []tokenView {
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, tokenView{
			ID:       t.ID,
			Type:     t.Type,
			TypeUUID: t.TypeUUID.String(),
			Slots:    t.Slots,
			Payload:  string(t.Payload),
		})
	}
	return views
}

func printJSON(w io.Writer, v any) error {
	f := prettyjson.NewFormatter()
	f.DisabledColor = true
	b, err := f.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printDescriptor(w io.Writer, format string, v descriptorView) error {
	if format == outputJSON {
		return printJSON(w, v)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"Device", v.Device},
		{"Format", v.Format},
		{"UUID", v.UUID},
		{"Encryption", v.Encryption},
		{"Key size", fmt.Sprintf("%d bits", v.KeyBits)},
		{"Hash", v.Hash},
		{"Sector size", v.SectorSize},
		{"Payload offset", v.PayloadOffset},
		{"Sectors", v.Sectors},
		{"Key slots", joinInts(v.Slots)},
	})
	t.Render()
	return nil
}

func printTokens(w io.Writer, format string, views []tokenView) error {
	if format == outputJSON {
		return printJSON(w, views)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Type", "Slots", "Payload"})
	for _, v := range views {
		t.AppendRow(table.Row{v.ID, v.Type, joinInts(v.Slots), fmt.Sprintf("%d bytes", len(v.Payload))})
	}
	t.Render()
	return nil
}

func joinInts(ints []int) string {
	s := make([]string, 0, len(ints))
	for _, i := range ints {
		s = append(s, fmt.Sprint(i))
	}
	return strings.Join(s, ",")
}
