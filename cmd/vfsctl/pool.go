package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"

	"github.com/objectfs/sqlitevfs/internal/install"
	"github.com/objectfs/sqlitevfs/pkg/sqlite"
)

type cmdPoolList struct{}

func (cmd *cmdPoolList) Execute([]string) error {
	cfg := startup()
	inst := openPool(context.Background(), cfg)
	defer teardown(inst)

	p := inst.Pool()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Path", "Slot", "Size")

	for _, name := range p.FileNames() {
		slot, _ := p.SlotIndex(name)
		size := "?"
		if f, _, err := inst.VFS().Open(name, sqlite.OpenReadOnly); err == nil {
			if n, err := f.Size(); err == nil {
				size = humanize.IBytes(uint64(n))
			}
			_ = f.Close()
		}
		if err := table.Append([]string{name, strconv.Itoa(slot), size}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	st := p.Stats()
	fmt.Printf("%d of %d slots bound\n", st.Bound, st.Capacity)
	return nil
}

type cmdPoolReset struct{}

func (cmd *cmdPoolReset) Execute([]string) error {
	cfg := startup()
	ctx := context.Background()
	inst := openPool(ctx, cfg)
	defer teardown(inst)

	dropped := inst.Pool().FileCount()
	if err := inst.Pool().Wipe(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{"dir": cfg.Pool.Directory, "dropped": dropped}).Info("pool reset")
	return nil
}

type cmdPoolGrow struct {
	Count int `long:"count" short:"n" default:"1" description:"Number of slots to add"`
}

func (cmd *cmdPoolGrow) Execute([]string) error {
	cfg := startup()
	ctx := context.Background()
	inst := openPool(ctx, cfg)
	defer teardown(inst)

	capacity, err := inst.Pool().AddCapacity(ctx, cmd.Count)
	if err != nil {
		return err
	}
	log.WithField("capacity", capacity).Info("pool grown")
	return nil
}

type cmdPoolShrink struct {
	Count int `long:"count" short:"n" default:"1" description:"Number of free slots to remove"`
}

func (cmd *cmdPoolShrink) Execute([]string) error {
	cfg := startup()
	ctx := context.Background()
	inst := openPool(ctx, cfg)
	defer teardown(inst)

	removed, err := inst.Pool().ReduceCapacity(ctx, cmd.Count)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"removed":  removed,
		"capacity": inst.Pool().Capacity(),
	}).Info("pool shrunk")
	return nil
}

type cmdPoolExport struct {
	Path string `long:"path" required:"true" description:"Pool path of the database to export"`
	Out  string `long:"out" default:"-" description:"Output file. Use - for stdout."`
}

func (cmd *cmdPoolExport) Execute([]string) error {
	cfg := startup()
	inst := openPool(context.Background(), cfg)
	defer teardown(inst)

	data, err := exportFile(inst, cmd.Path)
	if err != nil {
		return err
	}
	if cmd.Out == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(cmd.Out, data, 0600)
}

type cmdPoolImport struct {
	Path string `long:"path" required:"true" description:"Pool path to import into"`
	In   string `long:"in" default:"-" description:"Database image to read. Use - for stdin."`
}

func (cmd *cmdPoolImport) Execute([]string) error {
	cfg := startup()

	var data []byte
	var err error
	if cmd.In == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(cmd.In)
	}
	if err != nil {
		return err
	}

	inst := openPool(context.Background(), cfg)
	defer teardown(inst)

	path, err := importFile(inst, cmd.Path, data)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"path": path, "size": humanize.IBytes(uint64(len(data)))}).Info("database imported")
	return nil
}

// exportFile reads the database at name, resolved the way the engine resolves it.
func exportFile(inst *install.Installed, name string) ([]byte, error) {
	path, err := inst.VFS().FullPathname(name)
	if err != nil {
		return nil, err
	}
	return inst.Pool().Export(path)
}

// importFile loads data as the main database at name and returns the path it was
// bound to.
func importFile(inst *install.Installed, name string, data []byte) (string, error) {
	path, err := inst.VFS().FullPathname(name)
	if err != nil {
		return "", err
	}
	return path, inst.Pool().Import(path, data, uint32(sqlite.OpenMainDB))
}
