package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

type cmdRelaxedList struct{}

func (cmd *cmdRelaxedList) Execute([]string) error {
	cfg := startup()
	inst := openRelaxed(context.Background(), cfg)
	defer teardown(inst)

	r := inst.Relaxed()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Path", "Size", "Blocks")

	for _, name := range r.FileNames() {
		size, _ := r.FileSize(name)
		blocks := (size + int64(r.BlockSize()) - 1) / int64(r.BlockSize())
		if err := table.Append([]string{name, humanize.IBytes(uint64(size)), fmt.Sprint(blocks)}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	st := r.Stats()
	fmt.Printf("%d files, block size %s, %d commits (%d failed)\n",
		st.Files, humanize.IBytes(uint64(r.BlockSize())), st.Commits, st.CommitFailures)
	return nil
}
