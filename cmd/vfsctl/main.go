package main

import (
	"context"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/objectfs/sqlitevfs/internal/config"
	"github.com/objectfs/sqlitevfs/internal/install"
	"github.com/objectfs/sqlitevfs/internal/logging"
)

// Config holds the options shared by every sub-command.
var Config = new(struct {
	File    string `long:"config" short:"c" env:"SQLITEVFS_CONFIG" description:"YAML configuration file"`
	Verbose bool   `long:"verbose" short:"v" description:"Log at debug level"`
})

var logCloser io.Closer

// startup loads the configuration file and environment overrides and
// initialises logging.
func startup() *config.Configuration {
	cfg := config.NewDefault()
	if Config.File != "" {
		must(cfg.LoadFromFile(Config.File), "failed to load configuration")
	}
	must(cfg.LoadFromEnv(), "failed to apply environment overrides")
	if Config.Verbose {
		cfg.Global.LogLevel = "DEBUG"
	}
	must(cfg.Validate(), "invalid configuration")

	var err error
	logCloser, err = logging.Init(logging.FromGlobal(cfg.Global))
	must(err, "failed to initialise logging")
	return cfg
}

// openPool installs the configured pool without resetting it, whatever the
// configuration says.
func openPool(ctx context.Context, cfg *config.Configuration) *install.Installed {
	pc := cfg.Pool
	pc.ResetOnInit = false
	inst, err := install.Pool(ctx, pc)
	must(err, "failed to open pool")
	return inst
}

func openRelaxed(ctx context.Context, cfg *config.Configuration) *install.Installed {
	inst, err := install.Relaxed(ctx, cfg.Relaxed)
	must(err, "failed to open relaxed store")
	return inst
}

func teardown(inst *install.Installed) {
	must(inst.Teardown(context.Background()), "failed to close")
}

func must(err error, msg string) {
	if err == nil {
		return
	}
	log.WithField("err", err).Fatal(msg)
}

func mustAddCmd(cmd *flags.Command, name, short, long string, data interface{}) *flags.Command {
	c, err := cmd.AddCommand(name, short, long, data)
	must(err, "failed to add command")
	return c
}

func main() {
	parser := flags.NewParser(Config, flags.Default)
	parser.LongDescription = `vfsctl inspects and maintains the storage behind the SQLite VFS bridge.

Settings come from the --config YAML file, then SQLITEVFS_* environment
variables. See --help of each sub-command for details.
`

	pool := mustAddCmd(parser.Command, "pool", "Maintain a handle pool namespace", "", &struct{}{})
	mustAddCmd(pool, "list", "List files bound in the pool", `
List every path bound to a pool slot, with its slot index and size.
`, &cmdPoolList{})
	mustAddCmd(pool, "reset", "Truncate every slot and clear every binding", `
Reset the pool as an installation with reset_on_init would. Every previously
bound path afterwards reads as missing.
`, &cmdPoolReset{})
	mustAddCmd(pool, "grow", "Add slots to the pool", "", &cmdPoolGrow{})
	mustAddCmd(pool, "shrink", "Remove free slots from the pool", `
Remove up to --count free slots. Bound slots are never removed.
`, &cmdPoolShrink{})
	mustAddCmd(pool, "export", "Write a database file out of the pool", "", &cmdPoolExport{})
	mustAddCmd(pool, "import", "Load a database image into the pool", `
Import an SQLite database image. The image must start with the database header
and its length must be a multiple of the page size it declares.
`, &cmdPoolImport{})

	relaxed := mustAddCmd(parser.Command, "relaxed", "Inspect a relaxed object store", "", &struct{}{})
	mustAddCmd(relaxed, "list", "List files in the relaxed store", "", &cmdRelaxedList{})

	mustAddCmd(parser.Command, "serve", "Install every enabled VFS and serve metrics", `
Install every enabled VFS variant, serve Prometheus metrics on metrics.address
and keep them installed until interrupted.
`, &cmdServe{})

	_, err := parser.Parse()
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
